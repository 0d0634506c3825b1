// Package step реализует исполнитель именованных шагов с журналом
// записанных результатов. Шаг, результат которого уже есть в журнале,
// повторно не выполняется, поэтому прерванный процесс можно продолжить
// с места падения, передав журнал предыдущей попытки.
package step

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Journal хранит результаты выполненных шагов в порядке их выполнения.
type Journal interface {
	Lookup(name string) (json.RawMessage, bool)
	Record(name string, out json.RawMessage)
}

// MemoryJournal хранит журнал шагов в памяти процесса.
type MemoryJournal struct {
	mu      sync.Mutex
	entries map[string]json.RawMessage
	names   []string
}

// NewMemoryJournal создаёт пустой журнал шагов.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[string]json.RawMessage)}
}

// Lookup возвращает записанный результат шага, если шаг уже выполнялся.
func (j *MemoryJournal) Lookup(name string) (json.RawMessage, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out, ok := j.entries[name]
	return out, ok
}

// Record сохраняет результат шага. Повторная запись перезаписывает предыдущую.
func (j *MemoryJournal) Record(name string, out json.RawMessage) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.entries[name]; !ok {
		j.names = append(j.names, name)
	}
	j.entries[name] = out
}

// Names возвращает имена записанных шагов в порядке выполнения.
func (j *MemoryJournal) Names() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.names...)
}

// Runner выполняет шаги строго последовательно. Временные ошибки
// (классифицированные retryable) повторяются с экспоненциальной задержкой,
// терминальные возвращаются вызывающему сразу.
type Runner struct {
	journal   Journal
	logger    *zap.Logger
	retryable func(error) bool
	backoff   func() retry.Backoff
}

// NewRunner создаёт исполнитель шагов с журналом journal.
// retryable определяет, какие ошибки шага считаются временными; nil
// означает, что все ошибки терминальны.
func NewRunner(journal Journal, logger *zap.Logger, retryable func(error) bool) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		journal:   journal,
		logger:    logger,
		retryable: retryable,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(3, retry.NewExponential(50*time.Millisecond))
		},
	}
}

// WithBackoff заменяет политику повторов. Используется в тестах для
// ускорения и в продакшн-конфигурации для более длинных интервалов.
func (r *Runner) WithBackoff(b func() retry.Backoff) *Runner {
	r.backoff = b
	return r
}

// Run выполняет шаг name и записывает его результат в журнал.
// Если результат уже записан, шаг не выполняется, а результат
// восстанавливается из журнала.
func Run[T any](ctx context.Context, r *Runner, name string, fn func(context.Context) (T, error)) (T, error) {
	var out T

	if raw, ok := r.journal.Lookup(name); ok {
		if err := json.Unmarshal(raw, &out); err != nil {
			return out, fmt.Errorf("replay step %q: %w", name, err)
		}
		r.logger.Debug("step replayed from journal", zap.String("step", name))
		return out, nil
	}

	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			if r.retryable != nil && r.retryable(err) {
				r.logger.Warn("step failed, retrying",
					zap.String("step", name), zap.Error(err))
				return retry.RetryableError(err)
			}
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return out, err
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return out, fmt.Errorf("journal step %q: %w", name, err)
	}
	r.journal.Record(name, raw)

	return out, nil
}
