// Package config carries the tunables of a node and builds its logger.
// Values come from defaults, an optional zerotier.toml in the data
// directory, and flags bound by the daemon.
package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames inside the data directory.
const (
	// DefaultIdentityFile holds the full identity including the
	// private key.
	DefaultIdentityFile = "identity.secret"

	// DefaultBadgerFile is the folder containing the Badger database.
	DefaultBadgerFile = "badger_db"

	// DefaultConfigName is the basename of the optional TOML config.
	DefaultConfigName = "zerotier"
)

// Default configuration values.
const (
	DefaultLogLevel             = "info"
	DefaultBindAddr             = "0.0.0.0:9993"
	DefaultPingCheckInterval    = 30 * time.Second
	DefaultHousekeepingInterval = 2 * time.Minute
	DefaultDeferredWorkers      = 0
	DefaultDeferredQueueSize    = 1024
)

// Config contains all configuration properties of a node.
type Config struct {
	// DataDir is the top-level directory for identity, database and
	// config files.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, duplicates log output to a file.
	LogFile string `mapstructure:"log-file"`

	// BindAddr is the UDP listen address of the standalone daemon.
	BindAddr string `mapstructure:"listen"`

	// PingCheckInterval is the cadence of the keepalive pass over all
	// known peers.
	PingCheckInterval time.Duration `mapstructure:"ping-check"`

	// HousekeepingInterval is the cadence of state expiry: peer
	// eviction, multicast member expiry, reassembly purge.
	HousekeepingInterval time.Duration `mapstructure:"housekeeping"`

	// DeferredWorkers is the number of background packet decrypt
	// threads. Zero processes every packet on the calling thread.
	DeferredWorkers int `mapstructure:"workers"`

	// DeferredQueueSize bounds the deferred packet queue; when full,
	// packets fall back to the calling thread.
	DeferredQueueSize int `mapstructure:"worker-queue"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		DataDir:              DefaultDataDir(),
		LogLevel:             DefaultLogLevel,
		BindAddr:             DefaultBindAddr,
		PingCheckInterval:    DefaultPingCheckInterval,
		HousekeepingInterval: DefaultHousekeepingInterval,
		DeferredWorkers:      DefaultDeferredWorkers,
		DeferredQueueSize:    DefaultDeferredQueueSize,
	}
}

// Load overlays zerotier.toml from the data directory, if present.
func (c *Config) Load() error {
	viper.AddConfigPath(c.DataDir)
	viper.SetConfigName(DefaultConfigName)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return err
	}
	return viper.Unmarshal(c)
}

// SetLogger replaces the logger, used by tests.
func (c *Config) SetLogger(l *logrus.Logger) { c.logger = l }

// Logger returns a formatted logrus Entry with the component field
// pre-set, building the logger on first use.
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
		if c.LogFile != "" {
			pathMap := lfshook.PathMap{}
			for _, l := range logrus.AllLevels {
				pathMap[l] = c.LogFile
			}
			c.logger.Hooks.Add(lfshook.NewHook(pathMap, &logrus.JSONFormatter{}))
		}
	}
	return c.logger.WithField("prefix", "zerotier")
}

// Keyfile returns the full path of the identity file.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultIdentityFile)
}

// DatabaseDir returns the Badger database directory.
func (c *Config) DatabaseDir() string {
	return filepath.Join(c.DataDir, DefaultBadgerFile)
}

// DefaultDataDir returns the default top-level directory based on the
// underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "ZeroTier")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "ZeroTier")
		}
		return filepath.Join(home, ".zerotier")
	}
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a logrus level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}
