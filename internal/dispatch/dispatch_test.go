package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/idwire/idwire/internal/transport"
)

func TestDispatcher_PerSourceOrdering(t *testing.T) {
	t.Parallel()

	d := New(nil)
	defer d.Close()

	var mu sync.Mutex
	var got []string
	cancel := d.Subscribe("order", func(evt transport.Event) {
		mu.Lock()
		got = append(got, evt.FromID)
		mu.Unlock()
	})
	defer cancel()

	for i := 0; i < 100; i++ {
		d.Publish(transport.Event{Kind: transport.EventMessage, Source: "conn-1", FromID: string(rune('a' + i%26))})
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 100 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d events delivered", n)
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if want := string(rune('a' + i%26)); v != want {
			t.Fatalf("event %d out of order: got %q want %q", i, v, want)
		}
	}
}

func TestDispatcher_FanOut(t *testing.T) {
	t.Parallel()

	d := New(nil)

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		once := sync.Once{}
		d.Subscribe("fan", func(transport.Event) {
			once.Do(wg.Done)
		})
	}
	d.Publish(transport.Event{Kind: transport.EventData})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all observers received the event")
	}
	d.Close()
}

func TestDispatcher_ObserverMayReenter(t *testing.T) {
	t.Parallel()

	d := New(nil)
	defer d.Close()

	reentered := make(chan struct{})
	var cancel func()
	cancel = d.Subscribe("reentrant", func(evt transport.Event) {
		if evt.Kind == transport.EventMessage {
			// Calling back into the dispatcher from a callback must not deadlock.
			d.Publish(transport.Event{Kind: transport.EventData})
			return
		}
		cancel()
		close(reentered)
	})

	d.Publish(transport.Event{Kind: transport.EventMessage})
	select {
	case <-reentered:
	case <-time.After(2 * time.Second):
		t.Fatal("re-entrant publish deadlocked")
	}
}

func TestDispatcher_CancelFromOwnCallbackReturns(t *testing.T) {
	t.Parallel()

	d := New(nil)
	defer d.Close()

	done := make(chan struct{})
	var cancel func()
	cancel = d.Subscribe("self-cancel", func(transport.Event) {
		cancel()
		close(done)
	})

	d.Publish(transport.Event{Kind: transport.EventMessage})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel from inside the observer callback blocked")
	}

	// The subscription is gone; further events are not delivered.
	d.Publish(transport.Event{Kind: transport.EventMessage})
	time.Sleep(50 * time.Millisecond)
}

func TestDispatcher_CancelStopsDelivery(t *testing.T) {
	t.Parallel()

	d := New(nil)
	defer d.Close()

	var mu sync.Mutex
	count := 0
	cancel := d.Subscribe("cancelled", func(transport.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	d.Publish(transport.Event{Kind: transport.EventMessage})
	cancel() // already queued events still drain; new ones are dropped
	d.Publish(transport.Event{Kind: transport.EventMessage})

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("delivered %d events, want 1", count)
	}
}

func TestDispatcher_PanickingObserverIsContained(t *testing.T) {
	t.Parallel()

	d := New(nil)
	defer d.Close()

	delivered := make(chan struct{}, 2)
	d.Subscribe("panics", func(transport.Event) {
		panic("boom")
	})
	d.Subscribe("healthy", func(transport.Event) {
		delivered <- struct{}{}
	})

	d.Publish(transport.Event{Kind: transport.EventMessage})
	d.Publish(transport.Event{Kind: transport.EventMessage})

	for i := 0; i < 2; i++ {
		select {
		case <-delivered:
		case <-time.After(2 * time.Second):
			t.Fatal("healthy observer starved by panicking one")
		}
	}
}
