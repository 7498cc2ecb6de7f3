// Package engine is the public entry point of arena. It wires configuration,
// logging, metrics and the dispatch table into servers and clients.
package engine

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/luciancaetano/arena"
	"github.com/luciancaetano/arena/internal/client"
	"github.com/luciancaetano/arena/internal/config"
	"github.com/luciancaetano/arena/internal/dispatch"
	"github.com/luciancaetano/arena/internal/logging"
	"github.com/luciancaetano/arena/internal/server"
)

type (
	Config      = config.Config
	Duration    = config.Duration
	Retry       = config.Retry
	Descriptor  = dispatch.Descriptor
	HandlerFunc = dispatch.HandlerFunc
	Route       = dispatch.Route
	Table       = dispatch.Table
	Server      = server.Server
	Client      = client.Client
)

// ErrPeerRejected is returned by a PeerFactory to refuse a connection.
var ErrPeerRejected = server.ErrPeerRejected

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads a YAML configuration file on top of the defaults.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

// NewLogger builds the logger described by cfg.Log.
func NewLogger(cfg Config) zerolog.Logger {
	return logging.New(cfg.Log)
}

// Raw routes the raw payload of a protocol to h.
func Raw(d Descriptor, h HandlerFunc) Route {
	return dispatch.Raw(d, h)
}

// Typed routes a protocol through decode before calling handle.
//
// Example:
//
//	engine.Typed(engine.Descriptor{ID: 0x0002, Name: "move"}, decodeMove,
//	    func(ctx context.Context, s arena.Session, m Move) error { ... })
func Typed[T any](d Descriptor, decode func([]byte) (T, error), handle func(context.Context, arena.Session, T) error) Route {
	return dispatch.Typed(d, decode, handle)
}

// NewTable builds a dispatch table. Protocol ids must be unique and below the
// reserved range.
func NewTable(routes ...Route) (*Table, error) {
	return dispatch.NewTable(routes...)
}

// Option configures a server, a client or both.
type Option struct {
	server server.Option
	client client.Option
}

// WithLogger sets the logger of a server or client.
func WithLogger(log zerolog.Logger) Option {
	return Option{server: server.WithLogger(log), client: client.WithLogger(log)}
}

// WithPeerFactory sets the server's factory for first connections.
func WithPeerFactory(f arena.PeerFactory) Option {
	return Option{server: server.WithPeerFactory(f)}
}

// WithRegistry registers the server's collectors on reg.
func WithRegistry(reg *prometheus.Registry) Option {
	return Option{server: server.WithRegistry(reg)}
}

// OnSessionOpen is called by the server after each successful handshake.
func OnSessionOpen(fn func(s arena.Session, p arena.Peer)) Option {
	return Option{server: server.OnOpen(fn)}
}

// OnSessionClosed is called by the server after each session teardown.
func OnSessionClosed(fn func(s arena.Session, reason arena.CloseReason)) Option {
	return Option{server: server.OnClosed(fn)}
}

// WithTable sets the client's dispatch table for inbound frames and send policies.
func WithTable(t *Table) Option {
	return Option{client: client.WithTable(t)}
}

// OnOpen is called by the client after its first handshake.
func OnOpen(fn func(s arena.Session)) Option {
	return Option{client: client.OnOpen(fn)}
}

// OnReconnect is called by the client after each successful reconnection.
func OnReconnect(fn func(s arena.Session)) Option {
	return Option{client: client.OnReconnect(fn)}
}

// OnClose is called by the client when its session is gone for good.
func OnClose(fn func(reason arena.CloseReason)) Option {
	return Option{client: client.OnClose(fn)}
}

// NewServer creates a server for cfg. Start it with Start.
//
// Example:
//
//	table, _ := engine.NewTable(engine.Raw(engine.Descriptor{ID: 0x0001, Name: "chat", Encrypt: true}, onChat))
//	srv, err := engine.NewServer(engine.DefaultConfig(), table, engine.WithLogger(log))
//	if err != nil {
//	    return err
//	}
//	return srv.Start(ctx)
func NewServer(cfg Config, table *Table, opts ...Option) (*Server, error) {
	var so []server.Option
	for _, o := range opts {
		if o.server != nil {
			so = append(so, o.server)
		}
	}
	return server.New(cfg, table, so...)
}

// NewClient creates a client for addr. ws:// and wss:// addresses use
// WebSocket, anything else TCP.
func NewClient(addr string, cfg Config, opts ...Option) (*Client, error) {
	var co []client.Option
	for _, o := range opts {
		if o.client != nil {
			co = append(co, o.client)
		}
	}
	return client.New(addr, cfg, co...)
}

var (
	_ arena.Server = (*Server)(nil)
	_ arena.Client = (*Client)(nil)
)
