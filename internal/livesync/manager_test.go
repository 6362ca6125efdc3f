package livesync

import (
	"context"
	"errors"
	"testing"

	"github.com/zclipper/console/internal/backend"
	"github.com/zclipper/console/internal/models"
	"github.com/zclipper/console/internal/state"
)

func TestManagerSwitchClosesPrevious(t *testing.T) {
	h := newHarness(t, StrategyPoll)
	h.backend.set("a", models.SessionActive, 0)
	h.backend.set("b", models.SessionActive, 0)
	store := state.NewMemory()
	m := NewManager(h.opts, store)
	t.Cleanup(m.Close)
	ctx := context.Background()

	a, err := m.Switch(ctx, "a")
	if err != nil {
		t.Fatalf("Switch(a) error = %v", err)
	}
	if again, _ := m.Switch(ctx, "a"); again != a {
		t.Fatal("switching to the followed session restarted it")
	}
	if _, err := m.Switch(ctx, "b"); err != nil {
		t.Fatalf("Switch(b) error = %v", err)
	}
	if a.View().Phase != PhaseClosed {
		t.Fatalf("previous controller phase = %s, want closed", a.View().Phase)
	}
	if h.clk.Pending() != 1 {
		t.Fatalf("pending timers = %d, want only b's poll", h.clk.Pending())
	}
	if id, _ := store.CurrentSession(ctx); id != "b" {
		t.Fatalf("stored session = %q, want b", id)
	}
	cur, err := m.Current()
	if err != nil || cur.SessionID() != "b" {
		t.Fatalf("Current() = %v, %v", cur, err)
	}
}

func TestManagerStopAndResume(t *testing.T) {
	h := newHarness(t, StrategyPoll)
	h.backend.set("a", models.SessionActive, 0)
	store := state.NewMemory()
	m := NewManager(h.opts, store)
	t.Cleanup(m.Close)
	ctx := context.Background()

	if _, err := m.Resume(ctx); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Resume() with nothing stored error = %v", err)
	}
	if _, err := m.Switch(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	m.Close()
	if h.clk.Pending() != 0 {
		t.Fatalf("pending timers after Close = %d", h.clk.Pending())
	}

	c, err := m.Resume(ctx)
	if err != nil || c.SessionID() != "a" {
		t.Fatalf("Resume() = %v, %v", c, err)
	}
	if m.Stop(ctx, "other") {
		t.Fatal("Stop for a different session applied")
	}
	if !m.Stop(ctx, "a") {
		t.Fatal("Stop(a) did nothing")
	}
	if _, err := store.CurrentSession(ctx); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("stored session after Stop error = %v", err)
	}
	if _, err := m.Current(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Current() after Stop error = %v", err)
	}
}

func TestManagerForgetsMissingSession(t *testing.T) {
	h := newHarness(t, StrategyPoll)
	store := state.NewMemory()
	_ = store.SetCurrentSession(context.Background(), "gone")
	m := NewManager(h.opts, store)
	t.Cleanup(m.Close)

	c, err := m.Resume(context.Background())
	if !errors.Is(err, backend.ErrSessionNotFound) {
		t.Fatalf("Resume() error = %v", err)
	}
	if c.View().Phase != PhaseError {
		t.Fatalf("phase = %s", c.View().Phase)
	}
	if _, err := store.CurrentSession(context.Background()); !errors.Is(err, state.ErrNotFound) {
		t.Fatal("missing session still remembered")
	}
}

func TestManagerCurrentDuringLoad(t *testing.T) {
	h := newHarness(t, StrategyPoll)
	h.backend.set("a", models.SessionActive, 0)
	block := make(chan struct{})
	h.backend.block = block
	m := NewManager(h.opts, state.NewMemory())
	t.Cleanup(m.Close)

	done := make(chan error, 1)
	go func() {
		_, err := m.Switch(context.Background(), "a")
		done <- err
	}()
	eventually(t, "load to start", func() bool {
		n, _ := h.backend.calls("a")
		return n == 1
	})

	cur, err := m.Current()
	if err != nil || cur.SessionID() != "a" || cur.View().Phase != PhaseLoading {
		t.Fatalf("Current() while loading = %v, %v", cur, err)
	}
	close(block)
	if err := <-done; err != nil {
		t.Fatalf("Switch(a) error = %v", err)
	}
	if cur.View().Phase != PhaseReady {
		t.Fatalf("phase = %s, want ready", cur.View().Phase)
	}
}

func TestManagerLaterSwitchWins(t *testing.T) {
	h := newHarness(t, StrategyPoll)
	h.backend.set("a", models.SessionActive, 0)
	h.backend.set("b", models.SessionActive, 0)
	block := make(chan struct{})
	h.backend.mu.Lock()
	h.backend.block = block
	h.backend.mu.Unlock()
	store := state.NewMemory()
	m := NewManager(h.opts, store)
	t.Cleanup(m.Close)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := m.Switch(ctx, "a")
		done <- err
	}()
	eventually(t, "load of a to start", func() bool {
		n, _ := h.backend.calls("a")
		return n == 1
	})

	h.backend.mu.Lock()
	h.backend.block = nil
	h.backend.mu.Unlock()
	b, err := m.Switch(ctx, "b")
	if err != nil {
		t.Fatalf("Switch(b) error = %v", err)
	}
	close(block)
	if err := <-done; err == nil {
		t.Fatal("superseded Switch(a) reported success")
	}

	if cur, _ := m.Current(); cur != b {
		t.Fatalf("Current() = %v, want b", cur)
	}
	if id, _ := store.CurrentSession(ctx); id != "b" {
		t.Fatalf("stored session = %q, want b", id)
	}
	if h.clk.Pending() != 1 {
		t.Fatalf("pending timers = %d, want only b's poll", h.clk.Pending())
	}
}
