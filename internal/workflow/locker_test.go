package workflow

import (
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestLocker_SerializesSameKey(t *testing.T) {
	l := NewLocker()

	counter := 0
	var g errgroup.Group
	for i := 0; i < 50; i++ {
		g.Go(func() error {
			unlock := l.Lock("user:1")
			defer unlock()
			counter++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counter != 50 {
		t.Fatalf("counter = %d, want 50", counter)
	}
}

func TestLocker_CrossedKeysDoNotDeadlock(t *testing.T) {
	l := NewLocker()

	done := make(chan struct{})
	go func() {
		var g errgroup.Group
		for i := 0; i < 100; i++ {
			g.Go(func() error {
				unlock := l.Lock("user:1", "item:2")
				unlock()
				return nil
			})
			g.Go(func() error {
				unlock := l.Lock("item:2", "user:1")
				unlock()
				return nil
			})
		}
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("deadlock: crossed lock order did not finish")
	}
}

func TestLocker_DuplicateKeys(t *testing.T) {
	l := NewLocker()

	unlock := l.Lock("user:1", "user:1")
	unlock()

	// Повторный захват того же ключа должен пройти без самоблокировки.
	unlock = l.Lock("user:1")
	unlock()
}
