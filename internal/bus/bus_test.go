package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestBus() *Bus {
	return New(zap.NewNop(), WithRetry(time.Millisecond, 5*time.Millisecond))
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPerEntityOrdering(t *testing.T) {
	b := newTestBus()
	rec := &recorder{}
	sub := b.Subscribe("rec", Filter{}, rec.handle)
	defer sub.Close()

	for i := 0; i < 50; i++ {
		b.Publish(KindAgent, "a1", "agent.heartbeat", i)
		b.Publish(KindMission, "m1", "mission.progressed", i)
	}
	waitFor(t, func() bool { return len(rec.snapshot()) == 100 })

	last := map[string]uint64{}
	for _, ev := range rec.snapshot() {
		if ev.Seq != last[ev.EntityID]+1 {
			t.Fatalf("%s: seq %d after %d", ev.EntityID, ev.Seq, last[ev.EntityID])
		}
		last[ev.EntityID] = ev.Seq
	}
	if last["a1"] != 50 || last["m1"] != 50 {
		t.Errorf("unexpected final sequences: %v", last)
	}
}

func TestFilterByKindAndID(t *testing.T) {
	b := newTestBus()
	rec := &recorder{}
	sub := b.Subscribe("pipelines", Filter{Kinds: []Kind{KindPipeline}, EntityID: "p2"}, rec.handle)
	defer sub.Close()

	b.Publish(KindPipeline, "p1", "pipeline.submitted", nil)
	b.Publish(KindAgent, "p2", "agent.registered", nil)
	b.Publish(KindPipeline, "p2", "pipeline.submitted", nil)

	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })
	got := rec.snapshot()[0]
	if got.Kind != KindPipeline || got.EntityID != "p2" {
		t.Errorf("unexpected event %+v", got)
	}
}

func TestRedeliveryUntilAck(t *testing.T) {
	b := newTestBus()
	var mu sync.Mutex
	attempts := map[uint64]int{}
	var delivered []uint64

	sub := b.Subscribe("flaky", Filter{}, func(_ context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[ev.Seq]++
		if attempts[ev.Seq] < 3 {
			return errors.New("sink unavailable")
		}
		delivered = append(delivered, ev.Seq)
		return nil
	})
	defer sub.Close()

	b.Publish(KindSwarm, "s1", "swarm.formed", nil)
	b.Publish(KindSwarm, "s1", "swarm.aggregated", nil)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if delivered[0] != 1 || delivered[1] != 2 {
		t.Errorf("order after redelivery: %v", delivered)
	}
	if attempts[1] != 3 || attempts[2] != 3 {
		t.Errorf("attempts: %v", attempts)
	}
}

func TestCloseDrainsQueues(t *testing.T) {
	b := newTestBus()
	rec := &recorder{}
	release := make(chan struct{})
	b.Subscribe("slow", Filter{}, func(ctx context.Context, ev Event) error {
		<-release
		return rec.handle(ctx, ev)
	})

	for i := 0; i < 10; i++ {
		b.Publish(KindTool, fmt.Sprintf("t%d", i), "tool.created", nil)
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n := len(rec.snapshot()); n != 10 {
		t.Errorf("delivered %d events before close, want 10", n)
	}

	b.Publish(KindTool, "late", "tool.created", nil)
	if n := len(rec.snapshot()); n != 10 {
		t.Errorf("event delivered after close")
	}
}

func TestCloseDeadlineCancelsStuckSubscription(t *testing.T) {
	b := newTestBus()
	b.Subscribe("stuck", Filter{}, func(ctx context.Context, ev Event) error {
		<-ctx.Done()
		return ctx.Err()
	})
	b.Publish(KindAgent, "a1", "agent.registered", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestSubscriptionClose(t *testing.T) {
	b := newTestBus()
	rec := &recorder{}
	sub := b.Subscribe("rec", Filter{}, rec.handle)
	b.Publish(KindAgent, "a1", "agent.registered", nil)
	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })

	sub.Close()
	b.Publish(KindAgent, "a1", "agent.heartbeat", nil)
	time.Sleep(10 * time.Millisecond)
	if n := len(rec.snapshot()); n != 1 {
		t.Errorf("closed subscription received %d events", n)
	}
}

func TestQueueLimitDropsOldest(t *testing.T) {
	b := New(zap.NewNop(), WithRetry(time.Millisecond, 5*time.Millisecond), WithQueueLimit(3))
	started := make(chan struct{}, 1)
	gate := make(chan struct{})
	rec := &recorder{}
	sub := b.Subscribe("slow", Filter{}, func(ctx context.Context, ev Event) error {
		if ev.Seq == 1 {
			started <- struct{}{}
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return rec.handle(ctx, ev)
	})
	defer sub.Close()

	b.Publish(KindAgent, "a1", "agent.heartbeat", nil)
	<-started
	for i := 0; i < 5; i++ {
		b.Publish(KindAgent, "a1", "agent.heartbeat", nil)
	}
	if got := sub.Dropped(); got != 3 {
		t.Errorf("dropped = %d, want 3", got)
	}
	if got := sub.Pending(); got != 3 {
		t.Errorf("pending = %d, want 3", got)
	}
	close(gate)

	waitFor(t, func() bool { return len(rec.snapshot()) == 3 })
	var seqs []uint64
	for _, ev := range rec.snapshot() {
		seqs = append(seqs, ev.Seq)
	}
	if fmt.Sprint(seqs) != "[1 5 6]" {
		t.Errorf("delivered %v, want [1 5 6]", seqs)
	}
}
