// Package events carries pipeline progress notifications to log, redis and
// in-memory subscribers.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Kind names a progress notification.
type Kind string

const (
	PhaseStarted    Kind = "phase_started"
	PhaseFinished   Kind = "phase_finished"
	GapTransition   Kind = "gap_transition"
	DimensionScored Kind = "dimension_scored"
)

// Event is one progress notification. Fields not relevant to the kind are empty.
type Event struct {
	Kind      Kind      `json:"kind"`
	RunID     string    `json:"run_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Phase     string    `json:"phase,omitempty"`
	GapID     string    `json:"gap_id,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	State     string    `json:"state,omitempty"`
	Dimension string    `json:"dimension,omitempty"`
	Score     float64   `json:"score,omitempty"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// Sink receives events. Emit must not block the pipeline for long and never fails it.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, e)
		}
	}
}

// LogSink writes events to a zap logger at debug level.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(_ context.Context, e Event) {
	fields := []zap.Field{zap.String("kind", string(e.Kind)), zap.String("run_id", e.RunID)}
	if e.Phase != "" {
		fields = append(fields, zap.String("phase", e.Phase))
	}
	if e.GapID != "" {
		fields = append(fields, zap.String("gap_id", e.GapID), zap.Int("attempt", e.Attempt), zap.String("state", e.State))
	}
	if e.Dimension != "" {
		fields = append(fields, zap.String("dimension", e.Dimension), zap.Float64("score", e.Score))
	}
	if e.Message != "" {
		fields = append(fields, zap.String("message", e.Message))
	}
	s.logger.Debug("progress", fields...)
}

type publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisPublisher publishes events as JSON on a pub/sub channel.
type RedisPublisher struct {
	client  publisher
	channel string
	logger  *zap.Logger
}

func NewRedisPublisher(client *redis.Client, channel string, logger *zap.Logger) *RedisPublisher {
	return newRedisPublisher(client, channel, logger)
}

func newRedisPublisher(client publisher, channel string, logger *zap.Logger) *RedisPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if channel == "" {
		channel = "patientbrief:events"
	}
	return &RedisPublisher{client: client, channel: channel, logger: logger}
}

// Emit publishes on the configured channel. A cancelled request context
// does not stop delivery of the events it already produced.
func (p *RedisPublisher) Emit(ctx context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Warn("encoding event", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		p.logger.Warn("publishing event", zap.String("channel", p.channel), zap.Error(err))
	}
}

// Recorder keeps every event in memory, for audit traces and tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events in emission order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Of returns the recorded events of one kind.
func (r *Recorder) Of(kind Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Clock stamps events. Tests replace it for reproducible traces.
type Clock func() time.Time

// Emitter stamps and tags events for one run before handing them to a sink.
type Emitter struct {
	sink      Sink
	runID     string
	sessionID string
	now       Clock
}

func NewEmitter(sink Sink, runID, sessionID string, now Clock) *Emitter {
	if sink == nil {
		sink = Nop{}
	}
	if now == nil {
		now = time.Now
	}
	return &Emitter{sink: sink, runID: runID, sessionID: sessionID, now: now}
}

// RunID returns the run the emitter tags events with.
func (e *Emitter) RunID() string { return e.runID }

func (e *Emitter) emit(ctx context.Context, ev Event) {
	ev.RunID = e.runID
	ev.SessionID = e.sessionID
	ev.At = e.now().UTC()
	e.sink.Emit(ctx, ev)
}

func (e *Emitter) PhaseStarted(ctx context.Context, phase string) {
	e.emit(ctx, Event{Kind: PhaseStarted, Phase: phase})
}

func (e *Emitter) PhaseFinished(ctx context.Context, phase, message string) {
	e.emit(ctx, Event{Kind: PhaseFinished, Phase: phase, Message: message})
}

func (e *Emitter) Gap(ctx context.Context, gapID string, attempt int, state, message string) {
	e.emit(ctx, Event{Kind: GapTransition, GapID: gapID, Attempt: attempt, State: state, Message: message})
}

func (e *Emitter) Dimension(ctx context.Context, dimension string, score float64) {
	e.emit(ctx, Event{Kind: DimensionScored, Dimension: dimension, Score: score})
}
