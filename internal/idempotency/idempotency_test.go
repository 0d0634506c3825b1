package idempotency

import (
	"context"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestMemoryMarker_FirstMarkOnly(t *testing.T) {
	m := NewMemoryMarker()

	first, err := m.TryMark(context.Background(), "payment", "order_1")
	if err != nil {
		t.Fatalf("TryMark error: %v", err)
	}
	if !first {
		t.Fatalf("first mark must return true")
	}

	second, err := m.TryMark(context.Background(), "payment", "order_1")
	if err != nil {
		t.Fatalf("TryMark error: %v", err)
	}
	if second {
		t.Fatalf("second mark must return false")
	}
}

func TestMemoryMarker_ScopesIndependent(t *testing.T) {
	m := NewMemoryMarker()

	if ok, _ := m.TryMark(context.Background(), "payment", "key"); !ok {
		t.Fatalf("payment scope: first mark must return true")
	}
	if ok, _ := m.TryMark(context.Background(), "fulfillment", "key"); !ok {
		t.Fatalf("fulfillment scope must be independent")
	}
}

func TestMemoryMarker_ConcurrentSingleWinner(t *testing.T) {
	m := NewMemoryMarker()

	wins := make(chan struct{}, 50)
	var g errgroup.Group
	for i := 0; i < 50; i++ {
		g.Go(func() error {
			ok, err := m.TryMark(context.Background(), "payment", "contested")
			if err != nil {
				return err
			}
			if ok {
				wins <- struct{}{}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("winners = %d, want exactly 1", count)
	}
}
