package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/NAStools/zerotierone/src/config"
	"github.com/NAStools/zerotierone/src/version"
)

var cfg = config.NewDefaultConfig()

// RootCmd is the base command.
var RootCmd = &cobra.Command{
	Use:     "zerotierd",
	Short:   "ZeroTier virtual network endpoint",
	Version: version.String(),
}

func init() {
	RootCmd.PersistentFlags().StringP("datadir", "d", cfg.DataDir, "Base configuration directory")
	RootCmd.PersistentFlags().String("log", cfg.LogLevel, "Log level (debug, info, warn, error, fatal, panic)")
	RootCmd.PersistentFlags().String("log-file", cfg.LogFile, "Duplicate log output to this file")

	RootCmd.AddCommand(newRunCmd())
	RootCmd.AddCommand(newKeygenCmd())
}

// loadConfig binds flags and overlays the optional TOML config file.
func loadConfig(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := viper.BindPFlags(RootCmd.PersistentFlags()); err != nil {
		return err
	}
	if err := viper.Unmarshal(cfg); err != nil {
		return err
	}
	return cfg.Load()
}

// Execute runs the root command.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
