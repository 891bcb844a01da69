package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/phoenixgw/gateway/internal/gwerr"
	"github.com/phoenixgw/gateway/internal/phxframe"
)

func frame(event string) phxframe.Frame {
	return phxframe.Frame{Topic: "t", Event: event, Payload: map[string]interface{}{}}
}

func TestSendWithNoSubscribersIsNonFatal(t *testing.T) {
	b := New(4)
	err := b.Send(frame("e1"))
	if !errors.Is(err, gwerr.ErrChannelEmpty) {
		t.Fatalf("got err=%v, want gwerr.ErrChannelEmpty", err)
	}
}

func TestSubscribeThenReceiveInOrder(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()

	if err := b.Send(frame("e1")); err != nil {
		t.Fatalf("send e1: %v", err)
	}
	if err := b.Send(frame("e2")); err != nil {
		t.Fatalf("send e2: %v", err)
	}

	ctx := context.Background()
	f1, lag1, err := sub.Recv(ctx)
	if err != nil || lag1 != 0 || f1.Event != "e1" {
		t.Fatalf("got f1=%+v lag1=%d err=%v", f1, lag1, err)
	}
	f2, lag2, err := sub.Recv(ctx)
	if err != nil || lag2 != 0 || f2.Event != "e2" {
		t.Fatalf("got f2=%+v lag2=%d err=%v", f2, lag2, err)
	}
}

func TestSlowConsumerLagsInsteadOfBlockingSender(t *testing.T) {
	b := New(2)
	sub := b.Subscribe()

	for i := 0; i < 5; i++ {
		if err := b.Send(frame("e")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	_, lagged, err := sub.Recv(context.Background())
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if lagged == 0 {
		t.Fatalf("expected nonzero lag after overflowing a capacity-2 ring with 5 sends")
	}
}

func TestRecvBlocksUntilSend(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()

	done := make(chan phxframe.Frame, 1)
	go func() {
		f, _, err := sub.Recv(context.Background())
		if err != nil {
			t.Error(err)
			return
		}
		done <- f
	}()

	time.Sleep(10 * time.Millisecond)
	if err := b.Send(frame("e1")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case f := <-done:
		if f.Event != "e1" {
			t.Fatalf("got event=%q, want e1", f.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for blocked Recv to return")
	}
}

func TestRecvReturnsOnContextCancel(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := sub.Recv(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got err=%v, want context.Canceled", err)
	}
}

func TestCloseThenRecvDrainsThenReturnsErrClosed(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	if err := b.Send(frame("e1")); err != nil {
		t.Fatalf("send: %v", err)
	}
	b.Close()

	f, _, err := sub.Recv(context.Background())
	if err != nil || f.Event != "e1" {
		t.Fatalf("expected to drain e1 first, got f=%+v err=%v", f, err)
	}

	_, _, err = sub.Recv(context.Background())
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("got err=%v, want ErrClosed", err)
	}
}

func TestSubscriberCountTracksSubscribeAndClose(t *testing.T) {
	b := New(4)
	if b.SubscriberCount() != 0 {
		t.Fatalf("want 0 subscribers initially")
	}
	sub := b.Subscribe()
	if b.SubscriberCount() != 1 {
		t.Fatalf("want 1 subscriber after Subscribe")
	}
	sub.Close()
	if b.SubscriberCount() != 0 {
		t.Fatalf("want 0 subscribers after Close")
	}
}
