package telemetry

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// ============================================================
// Unit Tests
// ============================================================

func TestNewHub(t *testing.T) {
	hub := NewHub()

	if hub == nil {
		t.Fatal("NewHub returned nil")
	}

	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestOriginChecker_Check(t *testing.T) {
	checker := &OriginChecker{
		allowedOrigins: map[string]struct{}{
			"http://localhost:3000": {},
			"https://example.com":   {},
		},
		allowAll: false,
	}

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},                       // empty origin allowed
		{"http://localhost:3000", true},  // allowed
		{"https://example.com", true},    // allowed
		{"http://evil.com", false},       // not allowed
		{"http://localhost:8080", false}, // not in list
	}

	for _, tt := range tests {
		got := checker.Check(tt.origin)
		if got != tt.want {
			t.Errorf("Check(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestOriginChecker_AllowAll(t *testing.T) {
	checker := &OriginChecker{
		allowAll: true,
	}

	origins := []string{
		"http://localhost:3000",
		"https://evil.com",
		"http://anything.example.org",
	}

	for _, origin := range origins {
		if !checker.Check(origin) {
			t.Errorf("allowAll=true but Check(%q) = false", origin)
		}
	}
}

func TestHub_SubscriberReceivesEvent(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := &Client{hub: hub, send: make(chan []byte, clientSendBufferSize)}
	hub.register <- client

	hub.Trade(NewEntryTrade("BTCUSDT", 50000, 0.02, 1000))

	select {
	case raw := <-client.send:
		msg := string(raw)
		if !strings.Contains(msg, `"kind":"trade"`) {
			t.Errorf("message missing kind: %s", msg)
		}
		if !strings.Contains(msg, `"action":"entry"`) {
			t.Errorf("message missing action: %s", msg)
		}
		if !strings.Contains(msg, `"symbol":"BTCUSDT"`) {
			t.Errorf("message missing symbol: %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the event")
	}
}

func TestHub_PublishNonBlocking(t *testing.T) {
	// Hub без Run: канал вещания заполняется и события начинают
	// теряться, но publish не должен блокировать
	hub := NewHub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			hub.Wallet(NewWallet(1000, 500, 0.5, 2000))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a full broadcast channel")
	}
}

func TestHub_RunStopsOnCancel(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// OK - Run() exited
	case <-time.After(time.Second):
		t.Error("Hub.Run() did not exit after cancel")
	}
}

func TestHub_SlowSubscriberDropped(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	// Подписчик с забитым буфером и без читателя
	slow := &Client{hub: hub, send: make(chan []byte, 1)}
	slow.send <- []byte("stuck")
	hub.register <- slow

	for i := 0; i < 10; i++ {
		hub.Guardian(NewGuardianTrigger(TriggerExitBackwardation, "ETHUSDT", 0, -0.012))
	}

	deadline := time.After(2 * time.Second)
	for hub.ClientCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("slow subscriber was not dropped")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCaptureSink(t *testing.T) {
	sink := &CaptureSink{}

	sink.Trade(NewExitTrade("BTCUSDT", 50000, 0.02, 1000, ExitTypeFull))
	sink.Wallet(NewWallet(900, 450, 0.45, 1800))
	sink.Guardian(NewGuardianTrigger(TriggerExitNegativeFR, "BTCUSDT", 3, 0))

	trades := sink.Trades()
	if len(trades) != 1 || trades[0].ExitType != ExitTypeFull {
		t.Errorf("unexpected trades: %+v", trades)
	}

	wallets := sink.Wallets()
	if len(wallets) != 1 || wallets[0].MarginUsagePct != 0.45 {
		t.Errorf("unexpected wallets: %+v", wallets)
	}

	guardians := sink.Guardians()
	if len(guardians) != 1 || guardians[0].ConsecutiveNegativeFR != 3 {
		t.Errorf("unexpected guardians: %+v", guardians)
	}
}

// ============================================================
// Parallel Stress Test
// ============================================================

func TestHub_ConcurrentOperations(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	var wg sync.WaitGroup
	const goroutines = 10
	const operations = 1000

	// Concurrent publishes
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				hub.Wallet(NewWallet(float64(id), float64(j), 0.5, 1000))
			}
		}(i)
	}

	// Concurrent ClientCount reads
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				_ = hub.ClientCount()
			}
		}()
	}

	wg.Wait()
}
