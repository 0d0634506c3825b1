package workflow

import (
	"sort"
	"sync"
)

// Locker выдаёт мьютексы по ключам сущностей. Захват нескольких ключей
// выполняется в отсортированном порядке, что исключает взаимную блокировку
// двух процессов, работающих с одной парой сущностей.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocker создаёт пустой реестр блокировок.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*sync.Mutex)}
}

func (l *Locker) get(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

// Lock захватывает мьютексы для всех ключей и возвращает функцию освобождения.
func (l *Locker) Lock(keys ...string) func() {
	uniq := make(map[string]struct{}, len(keys))
	sorted := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := uniq[k]; ok {
			continue
		}
		uniq[k] = struct{}{}
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	ms := make([]*sync.Mutex, 0, len(sorted))
	for _, k := range sorted {
		ms = append(ms, l.get(k))
	}
	for _, m := range ms {
		m.Lock()
	}

	return func() {
		for i := len(ms) - 1; i >= 0; i-- {
			ms[i].Unlock()
		}
	}
}
