package step

import (
	"context"
	"errors"
	"testing"

	"github.com/sethvargo/go-retry"
)

func fastRunner(journal Journal, retryable func(error) bool) *Runner {
	r := NewRunner(journal, nil, retryable)
	return r.WithBackoff(func() retry.Backoff {
		return retry.WithMaxRetries(3, retry.NewConstant(1))
	})
}

func TestRun_RecordsOutput(t *testing.T) {
	j := NewMemoryJournal()
	r := fastRunner(j, nil)

	got, err := Run(context.Background(), r, "compute", func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}

	if _, ok := j.Lookup("compute"); !ok {
		t.Fatalf("step output not journaled")
	}
}

func TestRun_MemoizesCompletedStep(t *testing.T) {
	j := NewMemoryJournal()
	r := fastRunner(j, nil)

	calls := 0
	fn := func(ctx context.Context) (string, error) {
		calls++
		return "first", nil
	}

	if _, err := Run(context.Background(), r, "once", fn); err != nil {
		t.Fatalf("first Run error: %v", err)
	}

	got, err := Run(context.Background(), r, "once", func(ctx context.Context) (string, error) {
		calls++
		return "second", nil
	})
	if err != nil {
		t.Fatalf("second Run error: %v", err)
	}
	if got != "first" {
		t.Fatalf("got %q, want journaled %q", got, "first")
	}
	if calls != 1 {
		t.Fatalf("step executed %d times, want 1", calls)
	}
}

func TestRun_ResumesFromForeignJournal(t *testing.T) {
	j := NewMemoryJournal()

	first := fastRunner(j, nil)
	if _, err := Run(context.Background(), first, "a", func(ctx context.Context) (int, error) {
		return 1, nil
	}); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	// Новый исполнитель с тем же журналом продолжает с места падения.
	second := fastRunner(j, nil)
	executed := false

	if _, err := Run(context.Background(), second, "a", func(ctx context.Context) (int, error) {
		executed = true
		return 0, nil
	}); err != nil {
		t.Fatalf("replay Run error: %v", err)
	}
	if executed {
		t.Fatalf("journaled step must not re-execute")
	}

	if _, err := Run(context.Background(), second, "b", func(ctx context.Context) (int, error) {
		executed = true
		return 2, nil
	}); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !executed {
		t.Fatalf("unjournaled step must execute")
	}
}

func TestRun_RetriesTransientErrors(t *testing.T) {
	errTransient := errors.New("store unavailable")

	j := NewMemoryJournal()
	r := fastRunner(j, func(err error) bool {
		return errors.Is(err, errTransient)
	})

	attempts := 0
	got, err := Run(context.Background(), r, "flaky", func(ctx context.Context) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errTransient
		}
		return 7, nil
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if got != 7 {
		t.Fatalf("got %d, want 7", got)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRun_DoesNotRetryTerminalErrors(t *testing.T) {
	errTerminal := errors.New("user not found")

	j := NewMemoryJournal()
	r := fastRunner(j, func(err error) bool { return false })

	attempts := 0
	_, err := Run(context.Background(), r, "terminal", func(ctx context.Context) (int, error) {
		attempts++
		return 0, errTerminal
	})
	if !errors.Is(err, errTerminal) {
		t.Fatalf("err = %v, want %v", err, errTerminal)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}

	if _, ok := j.Lookup("terminal"); ok {
		t.Fatalf("failed step must not be journaled")
	}
}

func TestRun_SurfacesTransientAfterRetriesExhausted(t *testing.T) {
	errTransient := errors.New("store unavailable")

	j := NewMemoryJournal()
	r := fastRunner(j, func(err error) bool { return true })

	attempts := 0
	_, err := Run(context.Background(), r, "down", func(ctx context.Context) (int, error) {
		attempts++
		return 0, errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("err = %v, want %v", err, errTransient)
	}
	if attempts != 4 {
		t.Fatalf("attempts = %d, want 4 (initial plus 3 retries)", attempts)
	}
}

func TestMemoryJournal_NamesKeepOrder(t *testing.T) {
	j := NewMemoryJournal()
	j.Record("first", []byte(`1`))
	j.Record("second", []byte(`2`))
	j.Record("first", []byte(`3`))

	names := j.Names()
	if len(names) != 2 || names[0] != "first" || names[1] != "second" {
		t.Fatalf("unexpected names: %v", names)
	}
}
