package actor

import (
	"context"
	"errors"
	"testing"
	"time"
)

type counterState struct {
	total int
}

type incrMsg struct {
	amount int
	done   chan int
}

type counterActor struct {
	preStartErr error
	stopped     chan struct{}
	onStop      func()
}

func (c *counterActor) PreStart(_ context.Context) (*counterState, error) {
	if c.preStartErr != nil {
		return nil, c.preStartErr
	}
	return &counterState{}, nil
}

func (c *counterActor) Handle(_ context.Context, s *counterState, msg incrMsg) error {
	s.total += msg.amount
	if msg.done != nil {
		msg.done <- s.total
	}
	return nil
}

func (c *counterActor) PostStop(_ context.Context, _ *counterState) {
	if c.onStop != nil {
		c.onStop()
	}
	if c.stopped != nil {
		close(c.stopped)
	}
}

func TestSpawnDeliversMessagesInOrder(t *testing.T) {
	ctx := context.Background()
	sup := NewSupervisor(func() {}, nil)
	a := &counterActor{}

	h, err := Spawn[counterState, incrMsg](ctx, sup, a, SpawnOptions{Name: "counter"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	done := make(chan int, 1)
	h.Ref.Send(incrMsg{amount: 1})
	h.Ref.Send(incrMsg{amount: 2})
	h.Ref.Send(incrMsg{amount: 3, done: done})

	select {
	case total := <-done:
		if total != 6 {
			t.Fatalf("expected total 6, got %d", total)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handler")
	}

	h.Stop(ctx)
}

func TestSpawnPreStartError(t *testing.T) {
	ctx := context.Background()
	sup := NewSupervisor(func() {}, nil)
	a := &counterActor{preStartErr: errors.New("boom")}

	_, err := Spawn[counterState, incrMsg](ctx, sup, a, SpawnOptions{Name: "counter"})
	if err == nil {
		t.Fatal("expected pre_start error to propagate")
	}
}

func TestRefSendToZeroRefIsNoop(t *testing.T) {
	var r Ref[incrMsg]
	if !r.IsZero() {
		t.Fatal("expected zero ref")
	}
	if r.Send(incrMsg{amount: 1}) {
		t.Fatal("expected send to zero ref to fail")
	}
}

type panicActor struct{}

func (panicActor) PreStart(_ context.Context) (*struct{}, error) { return &struct{}{}, nil }
func (panicActor) Handle(_ context.Context, _ *struct{}, _ incrMsg) error {
	panic("handler exploded")
}
func (panicActor) PostStop(_ context.Context, _ *struct{}) {}

func TestFatalOnErrorEscalatesPanic(t *testing.T) {
	ctx := context.Background()
	cancelled := make(chan struct{})
	sup := NewSupervisor(func() { close(cancelled) }, nil)

	h, err := Spawn[struct{}, incrMsg](ctx, sup, panicActor{}, SpawnOptions{
		Name:         "panicky",
		FatalOnError: true,
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	h.Ref.Send(incrMsg{amount: 1})

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("expected supervisor cancellation after panic")
	}

	h.Stop(ctx)
}

func TestSupervisorStopAllReverseOrder(t *testing.T) {
	ctx := context.Background()
	sup := NewSupervisor(func() {}, nil)

	var order []string
	var h1, h2 Handle[incrMsg]
	var err error

	h1, err = Spawn[counterState, incrMsg](ctx, sup, &counterActor{onStop: func() { order = append(order, "first") }}, SpawnOptions{Name: "first"})
	if err != nil {
		t.Fatalf("spawn first: %v", err)
	}
	h2, err = Spawn[counterState, incrMsg](ctx, sup, &counterActor{onStop: func() { order = append(order, "second") }}, SpawnOptions{Name: "second"})
	if err != nil {
		t.Fatalf("spawn second: %v", err)
	}

	sup.StopAll(ctx)
	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Fatalf("expected stop order [second first], got %v", order)
	}
	_ = h1
	_ = h2
}
