// Command bitcomm runs a bitcomm node.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"

	"github.com/gordian-engine/bitcomm"
	"github.com/gordian-engine/bitcomm/bcert"
	"github.com/gordian-engine/bitcomm/bevent"
	"github.com/gordian-engine/bitcomm/bframe"
	"github.com/gordian-engine/bitcomm/bmq"
	"github.com/gordian-engine/bitcomm/bpool"
	"github.com/gordian-engine/bitcomm/bquic"
	"github.com/gordian-engine/bitcomm/brole"
	"github.com/gordian-engine/bitcomm/bsup"
	"github.com/gordian-engine/bitcomm/bwatch"
	"github.com/gordian-engine/bitcomm/bweb"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags flagOverrides

	cmd := &cobra.Command{
		Use:          "bitcomm",
		Short:        "Run a bitcomm QUIC node",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadNodeConfig(cmd.Flags(), &flags)
			if err != nil {
				return err
			}

			log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: cfg.LogLevel,
			}))
			return runNode(cmd.Context(), log, cfg)
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func runNode(ctx context.Context, log *slog.Logger, cfg nodeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}

	log.Info(
		"Starting bitcomm node",
		"version", version,
		"go", runtime.Version(),
		"listen", cfg.ListenAddr,
	)

	cert, err := bcert.LoadKeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return err
	}
	tlsConf := bquic.ServerTLSConfig(cert, nil)
	if cfg.ClientCAFile != "" {
		pool, err := bcert.LoadCertPool(cfg.ClientCAFile)
		if err != nil {
			return err
		}
		tlsConf = bquic.ServerTLSConfig(cert, pool)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("resolve listen address: %w", err)
	}
	uc, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer uc.Close()

	quicConf := bquic.DefaultConfig()
	quicConf.HandshakeIdleTimeout = cfg.HandshakeTimeout

	reg := bpool.NewRegistry(bpool.DefaultShards)
	events, queue := bevent.NewQueue(cfg.Queue)
	sup := bsup.New(log.With("sys", "supervisor"), bsup.Config{
		Policy:                 cfg.Policy,
		InflightHandshakeLimit: cfg.InflightHandshakeLimit,
	})

	var sinks []bmq.Sink
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("bitcomm"))
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer nc.Close()
		sinks = append(sinks, bmq.NewNATSSink(nc, cfg.NATSSubjectPrefix))
		log.Info("Publishing undeliverable events to NATS", "url", nc.ConnectedUrlRedacted())
	}

	dispatcher := bmq.NewDispatcher(log.With("role", "mq"), bmq.DispatcherConfig{
		Registry: reg,
		Events:   queue,
		Sinks:    sinks,

		DeliveryTimeout: cfg.DeliveryTimeout,
		CompressAbove:   cfg.CompressAbove,
	})

	watchdog := bwatch.New(log.With("role", "watchdog"), bwatch.Config{
		Registry:    reg,
		Queue:       queue,
		Interval:    cfg.WatchInterval,
		IdleTimeout: cfg.WatchIdleTimeout,
	})

	roles := []brole.Role{
		brole.Func("im", func(ctx context.Context) error {
			// The dispatcher sees the queue close once the server's clone
			// and this handle are both released.
			defer events.Close()

			s, err := bitcomm.NewServer(ctx, log.With("role", "im"), bitcomm.ServerConfig{
				UDPConn:      uc,
				QUIC:         quicConf,
				TLS:          tlsConf,
				Registry:     reg,
				Events:       events,
				Supervisor:   sup,
				Unrecognized: cfg.Unrecognized,
				Limits:       bframe.Limits{MaxPayload: cfg.MaxPayload},
				FrameTimeout: cfg.FrameTimeout,
			})
			if err != nil {
				return err
			}
			log.Info("Listening for QUIC clients", "addr", s.Addr())
			s.Wait()
			return nil
		}),
		brole.Func("mq", dispatcher.Run),
		brole.Func("watchdog", watchdog.Run),
	}

	if cfg.WebEnabled {
		web := bweb.NewServer(log.With("role", "web"), bweb.Config{
			Registry:   reg,
			Queue:      queue,
			Supervisor: sup,
			Dispatcher: dispatcher,
			Version:    version,
		})
		roles = append(roles, brole.Func("web", func(ctx context.Context) error {
			ln, err := net.Listen("tcp", cfg.WebAddr)
			if err != nil {
				return fmt.Errorf("listen for web API: %w", err)
			}
			log.Info("Serving web API", "addr", ln.Addr())
			return web.Run(ctx, ln)
		}))
	}

	return brole.Run(ctx, log, roles...)
}
