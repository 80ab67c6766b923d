package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakePublisher struct {
	mu       sync.Mutex
	channel  string
	messages [][]byte
	err      error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channel = channel
	if b, ok := message.([]byte); ok {
		f.messages = append(f.messages, b)
	}
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func fixedClock() time.Time { return time.Date(2026, 2, 6, 9, 30, 0, 0, time.UTC) }

func TestEmitterStampsEvents(t *testing.T) {
	rec := &Recorder{}
	em := NewEmitter(rec, "run-1", "sess-1", fixedClock)
	ctx := context.Background()

	em.PhaseStarted(ctx, "derive")
	em.Gap(ctx, "M_PROCEDURE/TP01/en", 1, "generating", "")
	em.Dimension(ctx, "quality", 8)
	em.PhaseFinished(ctx, "derive", "ok")

	got := rec.Events()
	if len(got) != 4 {
		t.Fatalf("expected 4 events, got %d", len(got))
	}
	for _, e := range got {
		if e.RunID != "run-1" || e.SessionID != "sess-1" || !e.At.Equal(fixedClock()) {
			t.Errorf("event not stamped: %+v", e)
		}
	}
	if gaps := rec.Of(GapTransition); len(gaps) != 1 || gaps[0].State != "generating" || gaps[0].Attempt != 1 {
		t.Errorf("unexpected gap events %+v", gaps)
	}
}

func TestMultiFansOut(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	Multi{a, nil, b}.Emit(context.Background(), Event{Kind: PhaseStarted})
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Error("expected both recorders to receive the event")
	}
}

func TestRedisPublisherEncodesJSON(t *testing.T) {
	f := &fakePublisher{}
	p := newRedisPublisher(f, "", nil)
	p.Emit(context.Background(), Event{Kind: DimensionScored, Dimension: "quality", Score: 7.5})

	if f.channel != "patientbrief:events" {
		t.Errorf("expected default channel, got %q", f.channel)
	}
	if len(f.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(f.messages))
	}
	var e Event
	if err := json.Unmarshal(f.messages[0], &e); err != nil {
		t.Fatalf("decoding message: %v", err)
	}
	if e.Dimension != "quality" || e.Score != 7.5 {
		t.Errorf("unexpected decoded event %+v", e)
	}
}

func TestRedisPublisherSurvivesCancelledContext(t *testing.T) {
	f := &fakePublisher{err: errors.New("down")}
	p := newRedisPublisher(f, "ch", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Emit(ctx, Event{Kind: PhaseStarted})
	if len(f.messages) != 1 {
		t.Error("expected publish attempt even after cancellation")
	}
}
