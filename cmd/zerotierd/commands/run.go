package commands

import (
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/NAStools/zerotierone/src/node"
	"github.com/NAStools/zerotierone/src/store"
	"github.com/NAStools/zerotierone/src/types"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the network endpoint",
		RunE:  runDaemon,
	}
	cmd.Flags().StringP("listen", "l", cfg.BindAddr, "UDP listen IP:Port")
	cmd.Flags().StringSlice("join", nil, "Network IDs to join at startup (hex)")
	cmd.Flags().Int("workers", cfg.DeferredWorkers, "Background packet worker threads")
	return cmd
}

func nowMs() int64 { return time.Now().UnixMilli() }

func runDaemon(cmd *cobra.Command, args []string) error {
	if err := loadConfig(cmd); err != nil {
		return err
	}
	logger := cfg.Logger()

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return err
	}
	ds, err := store.NewBadgerStore(cfg.DatabaseDir())
	if err != nil {
		return err
	}
	defer ds.Close()

	conn, err := net.ListenUDP("udp", mustUDPAddr(cfg.BindAddr))
	if err != nil {
		return err
	}
	defer conn.Close()
	localAddr := types.NewInetAddress(conn.LocalAddr().(*net.UDPAddr).AddrPort())

	callbacks := node.Callbacks{
		WireSend: func(local, remote types.InetAddress, data []byte, ttl int) bool {
			_, err := conn.WriteToUDPAddrPort(data, remote.AddrPort)
			return err == nil
		},
		FrameDeliver: func(nwid uint64, src, dest types.MAC, etherType uint16, vlan int, data []byte) {
			// This reference host has no OS tap; frames are logged so
			// the wire path can be observed end to end.
			logger.WithFields(logrus.Fields{
				"nwid":      nwid,
				"src":       src.String(),
				"dest":      dest.String(),
				"etherType": etherType,
				"len":       len(data),
			}).Debug("frame delivered")
		},
		VirtualNetworkConfig: func(nwid uint64, op node.VirtualNetworkConfigOp, vs *node.VirtualNetworkStatus) {
			logger.WithFields(logrus.Fields{"nwid": nwid, "op": op}).Info("network config")
		},
		Event: func(e node.Event, metadata string) {
			logger.WithField("event", e.String()).Info("node event")
		},
	}

	n, err := node.New(cfg, callbacks, ds, nil, nowMs())
	if err != nil {
		return err
	}
	defer n.Close()
	n.AddLocalInterfaceAddress(localAddr)

	joins, _ := cmd.Flags().GetStringSlice("join")
	for _, j := range joins {
		nwid, err := strconv.ParseUint(strings.TrimPrefix(j, "0x"), 16, 64)
		if err != nil {
			logger.WithField("nwid", j).Warn("unparseable network ID")
			continue
		}
		n.Join(nwid, nowMs())
	}

	logger.WithFields(logrus.Fields{
		"address": n.Address().String(),
		"listen":  conn.LocalAddr().String(),
	}).Info("node running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	packetCh := make(chan wirePacket, 1024)
	go readLoop(conn, packetCh, logger)

	_, deadline := n.ProcessBackgroundTasks(nowMs())
	for {
		timer := time.NewTimer(time.Duration(deadline-nowMs()) * time.Millisecond)
		select {
		case pkt := <-packetCh:
			n.ProcessWirePacket(nowMs(), localAddr, pkt.from, pkt.data)
		case <-timer.C:
			_, deadline = n.ProcessBackgroundTasks(nowMs())
		case <-sigCh:
			timer.Stop()
			logger.Info("shutting down")
			return nil
		}
		timer.Stop()
	}
}

type wirePacket struct {
	from types.InetAddress
	data []byte
}

func readLoop(conn *net.UDPConn, out chan<- wirePacket, logger *logrus.Entry) {
	buf := make([]byte, 16384)
	for {
		l, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			logger.WithError(err).Debug("socket closed")
			return
		}
		data := make([]byte, l)
		copy(data, buf[:l])
		out <- wirePacket{types.NewInetAddress(from), data}
	}
}

func mustUDPAddr(s string) *net.UDPAddr {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return &net.UDPAddr{Port: 9993}
	}
	return net.UDPAddrFromAddrPort(ap)
}
