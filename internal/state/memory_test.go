package state

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryToken(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	if _, err := s.Token(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Token() on empty store error = %v, want ErrNotFound", err)
	}
	want := Token{Value: "demo-token-1", IssuedAt: time.Unix(100, 0)}
	if err := s.SaveToken(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err := s.Token(ctx)
	if err != nil || got != want {
		t.Fatalf("Token() = %+v, %v; want %+v", got, err, want)
	}
}

func TestMemoryCurrentSession(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	if err := s.SetCurrentSession(ctx, "sess-1"); err != nil {
		t.Fatal(err)
	}
	if id, err := s.CurrentSession(ctx); err != nil || id != "sess-1" {
		t.Fatalf("CurrentSession() = %q, %v", id, err)
	}
	if err := s.ClearCurrentSession(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CurrentSession(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("CurrentSession() after clear error = %v", err)
	}
}
