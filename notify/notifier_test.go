package notify

import (
	"sync"
	"testing"
	"time"
)

func TestHub_BasicSubscribeSignal(t *testing.T) {
	hub := NewHub()

	signals, cancel := hub.Subscribe(Filter{})
	defer cancel()

	hub.Signal("orders", 1)

	select {
	case sig := <-signals:
		if sig.Collection != "orders" || sig.Token != 1 {
			t.Errorf("expected (orders, 1), got (%s, %d)", sig.Collection, sig.Token)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for signal")
	}
}

func TestHub_FilterSpecificCollection(t *testing.T) {
	hub := NewHub()

	signals, cancel := hub.Subscribe(Filter{Collections: []string{"orders"}})
	defer cancel()

	hub.Signal("accounts", 1)

	select {
	case sig := <-signals:
		t.Errorf("should not receive signal for accounts, got (%s, %d)", sig.Collection, sig.Token)
	case <-time.After(50 * time.Millisecond):
	}

	hub.Signal("orders", 2)

	select {
	case sig := <-signals:
		if sig.Token != 2 {
			t.Errorf("expected token 2, got %d", sig.Token)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for signal")
	}
}

func TestHub_SignalsCoalesce(t *testing.T) {
	hub := NewHub()

	signals, cancel := hub.Subscribe(Filter{})
	defer cancel()

	// Nobody is reading: the writer must not block
	for i := uint64(1); i <= 100; i++ {
		hub.Signal("orders", i)
	}

	if got := len(signals); got != 1 {
		t.Fatalf("expected one pending wakeup, got %d", got)
	}
}

func TestHub_CancelStopsDelivery(t *testing.T) {
	hub := NewHub()

	signals, cancel := hub.Subscribe(Filter{})
	cancel()
	cancel()

	if hub.Subscribers() != 0 {
		t.Fatalf("expected no subscribers, got %d", hub.Subscribers())
	}

	hub.Signal("orders", 1)
	if len(signals) != 0 {
		t.Error("cancelled subscription received a signal")
	}
}

func TestHub_ConcurrentSubscribeAndSignal(t *testing.T) {
	hub := NewHub()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, cancel := hub.Subscribe(Filter{})
				cancel()
			}
		}()
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				hub.Signal("orders", uint64(i*1000+j))
			}
		}(i)
	}
	wg.Wait()

	if hub.Subscribers() != 0 {
		t.Errorf("expected no subscribers left, got %d", hub.Subscribers())
	}
}
