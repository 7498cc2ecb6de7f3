package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/luciancaetano/arena"
	"github.com/luciancaetano/arena/engine"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		tcpAddr    string
		httpAddr   string
		logLevel   string
		statsEvery time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an arena server",
		Long: `Run an arena server with the built-in echo (0x0001) and broadcast (0x0002)
protocols. The HTTP side serves the WebSocket endpoint, /healthz and /metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := engine.DefaultConfig()
			if configPath != "" {
				var err error
				if cfg, err = engine.LoadConfig(configPath); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("tcp") {
				cfg.Server.TCPAddr = tcpAddr
			}
			if cmd.Flags().Changed("http") {
				cfg.Server.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			return serve(cmd.Context(), cfg, statsEvery)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	cmd.Flags().StringVar(&tcpAddr, "tcp", "", "TCP listen address (empty disables)")
	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (empty disables)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.Flags().DurationVar(&statsEvery, "stats", 30*time.Second, "Interval between peer statistics log lines (0 disables)")

	return cmd
}

func serve(parent context.Context, cfg engine.Config, statsEvery time.Duration) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := engine.NewLogger(cfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var srv *engine.Server
	table, err := engine.NewTable(
		engine.Raw(engine.Descriptor{ID: protoEcho, Name: "echo", Encrypt: true},
			func(ctx context.Context, s arena.Session, payload []byte) error {
				return s.Send(ctx, protoEcho, payload)
			}),
		engine.Raw(engine.Descriptor{ID: protoBroadcast, Name: "broadcast", Encrypt: true, CompressThreshold: 1024},
			func(ctx context.Context, _ arena.Session, payload []byte) error {
				return srv.Broadcast(ctx, protoBroadcast, payload)
			}),
	)
	if err != nil {
		return err
	}

	srv, err = engine.NewServer(cfg, table,
		engine.WithLogger(log),
		engine.WithRegistry(reg),
		engine.OnSessionOpen(func(s arena.Session, p arena.Peer) {
			log.Debug().Str("session_id", s.ID()).Str("peer_id", p.ID()).Str("remote_addr", s.RemoteAddr()).Msg("peer joined")
		}),
	)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Session.CloseTimeout.Std()+5*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})

	if statsEvery > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(statsEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					peers, waiting := srv.Counts()
					log.Info().Int("peers", peers).Int("waiting", waiting).Msg("peer statistics")
				}
			}
		})
	}

	return g.Wait()
}
