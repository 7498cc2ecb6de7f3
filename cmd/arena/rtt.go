package main

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/luciancaetano/arena"
	"github.com/luciancaetano/arena/engine"
)

func rttCmd() *cobra.Command {
	var (
		addr     string
		count    int
		interval time.Duration
		keySize  int
	)

	cmd := &cobra.Command{
		Use:   "rtt",
		Short: "Connect to a server and measure round trips",
		Long: `Connect to an arena server, send pings and echo frames, and print the
measured latency. Use ws://host:port/ws for WebSocket, host:port for TCP.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return measureRTT(ctx, addr, count, interval, keySize)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:7777", "Server address")
	cmd.Flags().IntVarP(&count, "count", "n", 5, "Number of round trips")
	cmd.Flags().DurationVar(&interval, "interval", 200*time.Millisecond, "Delay between round trips")
	cmd.Flags().IntVar(&keySize, "key-size", 2048, "DH key size (1024, 1536, 2048)")

	return cmd
}

func measureRTT(ctx context.Context, addr string, count int, interval time.Duration, keySize int) error {
	cfg := engine.DefaultConfig()
	cfg.Session.KeySize = keySize
	cfg.Heartbeat.AutoPing = false
	cfg.Reconnect.MaxAttempts = 0
	cfg.Log.Level = "warn"
	cfg.Log.Format = "console"
	if err := cfg.Validate(); err != nil {
		return err
	}

	echoes := make(chan []byte, count)
	table, err := engine.NewTable(
		engine.Raw(engine.Descriptor{ID: protoEcho, Name: "echo", Encrypt: true},
			func(_ context.Context, _ arena.Session, payload []byte) error {
				echoes <- payload
				return nil
			}),
	)
	if err != nil {
		return err
	}

	c, err := engine.NewClient(addr, cfg, engine.WithTable(table), engine.WithLogger(engine.NewLogger(cfg)))
	if err != nil {
		return err
	}

	start := time.Now()
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	fmt.Printf("connected to %s in %s\n", addr, time.Since(start).Round(time.Millisecond))
	fmt.Printf("  session: %s\n  peer:    %s\n", c.SessionID(), c.PeerID())

	for i := 1; i <= count; i++ {
		if err := c.Ping(ctx); err != nil {
			return fmt.Errorf("ping: %w", err)
		}

		payload := []byte(fmt.Sprintf("echo %d", i))
		sent := time.Now()
		if err := c.Send(ctx, protoEcho, payload); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		select {
		case got := <-echoes:
			if !bytes.Equal(got, payload) {
				return fmt.Errorf("echo %d: got %q", i, got)
			}
			fmt.Printf("  echo %d: %s\n", i, time.Since(sent).Round(time.Microsecond))
		case <-time.After(5 * time.Second):
			return fmt.Errorf("echo %d: timed out", i)
		case <-ctx.Done():
			return ctx.Err()
		}

		if i < count {
			time.Sleep(interval)
		}
	}

	stats := c.Latency()
	fmt.Printf("latency over %d pings: avg %s, stddev %s, jitter %s, loss %.1f%%\n",
		stats.Samples, stats.Average.Round(time.Microsecond), stats.StdDev.Round(time.Microsecond),
		stats.Jitter.Round(time.Microsecond), stats.PacketLoss*100)

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Close(closeCtx)
}
