// Package dispatch routes inbound application frames to typed handlers.
//
// A Table is built once from a list of routes and is read-only afterwards, so
// it can be shared by every session of a server without locking.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/luciancaetano/arena"
	"github.com/luciancaetano/arena/internal/metrics"
	"github.com/luciancaetano/arena/internal/secure"
)

const tracerName = "github.com/luciancaetano/arena/dispatch"

var (
	ErrDuplicateProtocol = errors.New(arena.ErrDuplicateProtocol)
	ErrReservedProtocol  = errors.New(arena.ErrReservedProtocol)
	ErrUnknownProtocol   = errors.New(arena.ErrUnknownProtocol)
)

// Descriptor declares how a protocol travels on the wire.
type Descriptor struct {
	ID   uint16
	Name string

	// Encrypt seals payloads with the session cipher.
	Encrypt bool

	// CompressThreshold compresses payloads larger than this many bytes (and
	// larger than the fixed compression floor). Zero disables compression.
	CompressThreshold int
}

// Policy returns the send-side treatment for this protocol.
func (d Descriptor) Policy() secure.Policy {
	return secure.Policy{Encrypt: d.Encrypt, CompressThreshold: d.CompressThreshold}
}

func (d Descriptor) label() string {
	if d.Name != "" {
		return d.Name
	}
	return "0x" + strconv.FormatUint(uint64(d.ID), 16)
}

// HandlerFunc handles a raw payload.
type HandlerFunc func(ctx context.Context, s arena.Session, payload []byte) error

// Route binds a descriptor to a decoder and handler.
type Route struct {
	Descriptor
	decode func([]byte) (any, error)
	handle func(context.Context, arena.Session, any) error
}

// Raw builds a route whose handler receives the payload bytes unchanged.
func Raw(d Descriptor, h HandlerFunc) Route {
	return Route{
		Descriptor: d,
		decode:     func(b []byte) (any, error) { return b, nil },
		handle: func(ctx context.Context, s arena.Session, v any) error {
			return h(ctx, s, v.([]byte))
		},
	}
}

// Typed builds a route from a typed decoder and handler.
//
// Example:
//
//	dispatch.Typed(dispatch.Descriptor{ID: 0x0010, Name: "move"},
//	    decodeMove,
//	    func(ctx context.Context, s arena.Session, m Move) error { ... })
func Typed[T any](d Descriptor, decode func([]byte) (T, error), handle func(context.Context, arena.Session, T) error) Route {
	return Route{
		Descriptor: d,
		decode:     func(b []byte) (any, error) { return decode(b) },
		handle: func(ctx context.Context, s arena.Session, v any) error {
			return handle(ctx, s, v.(T))
		},
	}
}

// Table is an immutable protocolId -> route map.
type Table struct {
	routes      map[uint16]Route
	tracer      trace.Tracer
	metrics     *metrics.Metrics
	onUnhandled func(s arena.Session, protocolID uint16)
}

// NewTable builds a table. Duplicate ids and ids in the reserved control
// range are rejected.
func NewTable(routes ...Route) (*Table, error) {
	t := &Table{
		routes: make(map[uint16]Route, len(routes)),
		tracer: otel.Tracer(tracerName),
	}
	for _, r := range routes {
		if arena.IsReserved(r.ID) {
			return nil, fmt.Errorf("%w: %#04x (%s)", ErrReservedProtocol, r.ID, r.Name)
		}
		if _, dup := t.routes[r.ID]; dup {
			return nil, fmt.Errorf("%w: %#04x (%s)", ErrDuplicateProtocol, r.ID, r.Name)
		}
		if r.decode == nil || r.handle == nil {
			return nil, fmt.Errorf("dispatch: route %#04x has no handler", r.ID)
		}
		t.routes[r.ID] = r
	}
	return t, nil
}

// WithMetrics returns a copy of the table that counts dispatches on m.
func (t *Table) WithMetrics(m *metrics.Metrics) *Table {
	c := *t
	c.metrics = m
	return &c
}

// OnUnhandledProtocol returns a copy of the table that reports frames with an
// unknown protocol id to fn.
func (t *Table) OnUnhandledProtocol(fn func(s arena.Session, protocolID uint16)) *Table {
	c := *t
	c.onUnhandled = fn
	return &c
}

// Lookup returns the descriptor registered for id.
func (t *Table) Lookup(id uint16) (Descriptor, bool) {
	r, ok := t.routes[id]
	return r.Descriptor, ok
}

// Policy returns the send policy for id. Unknown ids travel in the clear.
func (t *Table) Policy(id uint16) secure.Policy {
	if t == nil {
		return secure.Policy{}
	}
	return t.routes[id].Policy()
}

// Len returns the number of routes.
func (t *Table) Len() int { return len(t.routes) }

// Dispatch decodes payload and runs the route's handler on the calling
// goroutine. Decode errors, handler errors and panics are logged through the
// logger carried by ctx and never escape; the returned error only reports the
// outcome for callers that want it.
func (t *Table) Dispatch(ctx context.Context, s arena.Session, protocolID uint16, payload []byte) (err error) {
	log := zerolog.Ctx(ctx).With().Uint16("protocol_id", protocolID).Logger()

	r, ok := t.routes[protocolID]
	if !ok {
		log.Warn().Msg("dropping frame for unregistered protocol")
		t.metrics.Dispatched("unregistered", metrics.ResultUnknown)
		if t.onUnhandled != nil {
			t.onUnhandled(s, protocolID)
		}
		return ErrUnknownProtocol
	}

	name := r.label()
	ctx, span := t.tracer.Start(ctx, "arena.dispatch "+name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.Int("arena.protocol_id", int(protocolID)),
			attribute.String("arena.protocol", name),
			attribute.String("arena.session_id", s.ID()),
			attribute.Int("arena.payload_bytes", len(payload)),
		),
	)
	defer span.End()

	result := metrics.ResultOK
	defer func() {
		if rec := recover(); rec != nil {
			result = metrics.ResultPanic
			err = fmt.Errorf("dispatch: handler panic: %v", rec)
			log.Error().Interface("panic", rec).Str("protocol", name).Msg("handler panicked")
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, result)
		}
		t.metrics.Dispatched(name, result)
	}()

	msg, err := r.decode(payload)
	if err != nil {
		result = metrics.ResultDecodeError
		log.Warn().Err(err).Str("protocol", name).Msg("failed to decode payload")
		return err
	}

	if err = r.handle(ctx, s, msg); err != nil {
		result = metrics.ResultError
		log.Warn().Err(err).Str("protocol", name).Msg("handler returned error")
		return err
	}
	return nil
}
