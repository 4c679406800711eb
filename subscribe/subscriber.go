// Package subscribe consumes framed events from one transport channel and
// dispatches them to handlers registered per event kind. Delivery is
// at-least-once: handlers must be idempotent keyed by event id.
package subscribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rkrasimirov/erpbus/codec"
	"github.com/rkrasimirov/erpbus/event"
)

// Handler processes one decoded event. A non-nil error leaves the frame
// unacknowledged so the transport redelivers it.
type Handler func(ctx context.Context, evt event.Event) error

// Acknowledger settles one delivered frame with the transport.
type Acknowledger interface {
	Ack(ctx context.Context) error
	Nack(ctx context.Context) error
}

// Frame is one raw delivery from the transport.
type Frame struct {
	Channel      string
	Key          string
	Value        []byte
	Acknowledger Acknowledger
}

// FrameSource is an open consuming session on one channel. Next blocks
// until a frame arrives or ctx is done; the adapter also enriches the
// returned context with any transport-carried trace context.
type FrameSource interface {
	Next(ctx context.Context) (context.Context, Frame, error)
	Close() error
}

// Receiver opens consuming sessions. Injected external collaborator.
type Receiver interface {
	Open(ctx context.Context, channel string) (FrameSource, error)
}

// DeadLetter holds frames that must not be redelivered: a newer schema
// version than this consumer understands, an unparseable frame, or a
// handler that keeps failing.
type DeadLetter interface {
	Deposit(ctx context.Context, channel string, frame []byte, reason string) error
}

// ErrDrainTimeout reports that in-flight handlers outlived the drain
// timeout during Stop. Handlers are never killed; they finish on their own.
var ErrDrainTimeout = errors.New("subscribe: drain timeout elapsed with handlers still in flight")

// Subscriber lifecycle states.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Draining
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Draining:
		return "draining"
	default:
		return "stopped"
	}
}

type Config struct {
	// MaxInFlight bounds concurrently executing handlers. The subscriber
	// stops pulling frames once the limit is reached, which is the
	// backpressure toward the transport. Defaults to 8.
	MaxInFlight int
	// MaxDeliveries caps handler retries per event id before the frame is
	// dead-lettered instead of nacked. 0 leaves retries entirely to the
	// transport.
	MaxDeliveries int
}

// Subscriber pulls frames from one channel, decodes them and invokes the
// handler registered for the event kind.
type Subscriber struct {
	codec      *codec.Codec
	receiver   Receiver
	deadLetter DeadLetter
	logger     *slog.Logger
	tracer     trace.Tracer
	cfg        Config

	handlers map[string]Handler

	mu    sync.Mutex
	state State
	sess  *session

	failureMu sync.Mutex
	failures  map[string]int
}

// session is the state of one Start/Stop cycle. It is created per Start
// and never shared across cycles: a handler stuck beyond the drain
// timeout still holds its own session's slot and wait group, so it can
// never release capacity into a later session.
type session struct {
	cancel   context.CancelFunc
	loopDone chan struct{}
	slots    chan struct{}
	inFlight sync.WaitGroup
	source   FrameSource
}

func New(c *codec.Codec, receiver Receiver, deadLetter DeadLetter, logger *slog.Logger, cfg Config) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}
	return &Subscriber{
		codec:      c,
		receiver:   receiver,
		deadLetter: deadLetter,
		logger:     logger,
		tracer:     otel.Tracer("erpbus/subscribe"),
		cfg:        cfg,
		handlers:   make(map[string]Handler),
		failures:   make(map[string]int),
	}
}

// Register binds handler to an event kind. All registrations must happen
// before Start; the dispatch table is read-only while running.
func (s *Subscriber) Register(kind string, handler Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Stopped {
		return fmt.Errorf("subscribe: cannot register %q while %s", kind, s.state)
	}
	if handler == nil {
		return fmt.Errorf("subscribe: nil handler for %q", kind)
	}
	if _, dup := s.handlers[kind]; dup {
		return fmt.Errorf("subscribe: handler for %q already registered", kind)
	}
	s.handlers[kind] = handler
	return nil
}

// Start opens the channel and begins dispatching. Only valid from the
// Stopped state.
func (s *Subscriber) Start(ctx context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Stopped {
		return fmt.Errorf("subscribe: start while %s", s.state)
	}
	s.state = Starting

	loopCtx, cancel := context.WithCancel(ctx)
	source, err := s.receiver.Open(loopCtx, channel)
	if err != nil {
		cancel()
		s.state = Stopped
		return fmt.Errorf("subscribe: open channel %s: %w", channel, err)
	}

	sess := &session{
		cancel:   cancel,
		loopDone: make(chan struct{}),
		slots:    make(chan struct{}, s.cfg.MaxInFlight),
		source:   source,
	}
	s.sess = sess
	s.state = Running

	go s.run(loopCtx, channel, sess)
	return nil
}

// Stop ceases pulling new frames and waits for in-flight handlers, up to
// drainTimeout. On timeout it returns ErrDrainTimeout; handlers keep
// running to completion to avoid partial side effects.
func (s *Subscriber) Stop(drainTimeout time.Duration) error {
	s.mu.Lock()
	if s.state != Running {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("subscribe: stop while %s", state)
	}
	s.state = Draining
	sess := s.sess
	s.mu.Unlock()

	sess.cancel()
	<-sess.loopDone

	drained := make(chan struct{})
	go func() {
		sess.inFlight.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
		s.closeSource(sess)
	case <-time.After(drainTimeout):
		err = ErrDrainTimeout
		// The transport session stays open until the stragglers settle:
		// closing it now would fail their acks and force redelivery of
		// work that did complete.
		go func() {
			<-drained
			s.closeSource(sess)
		}()
	}

	s.mu.Lock()
	s.state = Stopped
	s.mu.Unlock()
	return err
}

func (s *Subscriber) closeSource(sess *session) {
	if err := sess.source.Close(); err != nil {
		s.logger.Error("frame source close failed", "err", err)
	}
}

// CurrentState reports the lifecycle state, for diagnostics.
func (s *Subscriber) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscriber) run(ctx context.Context, channel string, sess *session) {
	defer close(sess.loopDone)

	for {
		// Take an in-flight slot before pulling: once MaxInFlight handlers
		// are running, no further frames leave the transport.
		select {
		case sess.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}

		frameCtx, frame, err := sess.source.Next(ctx)
		if err != nil {
			<-sess.slots
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("frame receive failed", "channel", channel, "err", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		sess.inFlight.Add(1)
		// Handlers outlive Stop's cancellation on purpose: dispatched work
		// runs to completion.
		handlerCtx := context.WithoutCancel(frameCtx)
		go func() {
			defer func() {
				<-sess.slots
				sess.inFlight.Done()
			}()
			s.dispatch(handlerCtx, frame)
		}()
	}
}

func (s *Subscriber) dispatch(ctx context.Context, frame Frame) {
	evt, err := s.codec.Decode(frame.Value)
	if err != nil {
		s.quarantine(ctx, frame, err)
		return
	}

	handler, ok := s.handlers[evt.EventKind]
	if !ok {
		// Shared channels carry kinds this consumer never asked for.
		s.logger.Debug("no handler for event kind, dropping",
			"event_kind", evt.EventKind,
			"event_id", evt.EventID,
			"channel", frame.Channel,
		)
		s.ack(ctx, frame, evt.EventID)
		return
	}

	ctx, span := s.tracer.Start(ctx, "bus.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", frame.Channel),
			attribute.String("event.kind", evt.EventKind),
			attribute.String("event.id", evt.EventID),
		),
	)
	defer span.End()

	if err := handler(ctx, evt); err != nil {
		span.RecordError(err)
		s.handleFailure(ctx, frame, evt, err)
		return
	}

	s.clearFailures(evt.EventID)
	s.ack(ctx, frame, evt.EventID)
}

// quarantine routes an undecodable frame to the dead-letter sink and acks
// it: redelivery cannot repair a version mismatch or a corrupt frame.
func (s *Subscriber) quarantine(ctx context.Context, frame Frame, cause error) {
	var unsupported *codec.UnsupportedVersionError
	if errors.As(cause, &unsupported) {
		s.logger.Warn("event schema ahead of consumer, dead-lettering",
			"channel", frame.Channel,
			"event_kind", unsupported.EventKind,
			"schema_version", unsupported.Version,
			"max_supported", unsupported.Max,
		)
	} else {
		s.logger.Error("undecodable frame, dead-lettering", "channel", frame.Channel, "err", cause)
	}

	if s.deadLetter != nil {
		if err := s.deadLetter.Deposit(ctx, frame.Channel, frame.Value, cause.Error()); err != nil {
			s.logger.Error("dead-letter deposit failed, leaving frame for redelivery",
				"channel", frame.Channel, "err", err)
			s.nack(ctx, frame)
			return
		}
	}
	s.ack(ctx, frame, "")
}

func (s *Subscriber) handleFailure(ctx context.Context, frame Frame, evt event.Event, cause error) {
	s.logger.Error("handler failed, leaving frame for redelivery",
		"event_kind", evt.EventKind,
		"event_id", evt.EventID,
		"err", cause,
	)

	if s.cfg.MaxDeliveries > 0 && s.recordFailure(evt.EventID) >= s.cfg.MaxDeliveries {
		s.logger.Error("handler failure limit reached, dead-lettering",
			"event_id", evt.EventID,
			"max_deliveries", s.cfg.MaxDeliveries,
		)
		s.clearFailures(evt.EventID)
		if s.deadLetter != nil {
			if err := s.deadLetter.Deposit(ctx, frame.Channel, frame.Value, "handler failure limit reached: "+cause.Error()); err != nil {
				s.logger.Error("dead-letter deposit failed", "event_id", evt.EventID, "err", err)
				s.nack(ctx, frame)
				return
			}
		}
		s.ack(ctx, frame, evt.EventID)
		return
	}

	s.nack(ctx, frame)
}

func (s *Subscriber) recordFailure(eventID string) int {
	s.failureMu.Lock()
	defer s.failureMu.Unlock()
	s.failures[eventID]++
	return s.failures[eventID]
}

func (s *Subscriber) clearFailures(eventID string) {
	s.failureMu.Lock()
	defer s.failureMu.Unlock()
	delete(s.failures, eventID)
}

func (s *Subscriber) ack(ctx context.Context, frame Frame, eventID string) {
	if err := frame.Acknowledger.Ack(ctx); err != nil {
		s.logger.Error("ack failed",
			"channel", frame.Channel,
			"frame_key", frame.Key,
			"event_id", eventID,
			"err", err,
		)
	}
}

func (s *Subscriber) nack(ctx context.Context, frame Frame) {
	if err := frame.Acknowledger.Nack(ctx); err != nil {
		s.logger.Error("nack failed", "channel", frame.Channel, "frame_key", frame.Key, "err", err)
	}
}
