// Package keylock реализует таблицу мьютексов по ключу.
// Операции с разными ключами не блокируют друг друга: таблица шардирована,
// а мьютекс шарда держится только на время поиска записи.
package keylock

import (
	"hash/maphash"
	"sync"
)

const defaultShards = 64

type entry struct {
	mu   sync.Mutex
	refs int
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Map выдаёт мьютекс на ключ. Записи удаляются, когда их никто не держит и не ждёт.
type Map struct {
	seed   maphash.Seed
	shards []shard
}

// New создаёт таблицу блокировок.
func New() *Map {
	m := &Map{
		seed:   maphash.MakeSeed(),
		shards: make([]shard, defaultShards),
	}
	for i := range m.shards {
		m.shards[i].entries = make(map[string]*entry)
	}
	return m
}

func (m *Map) shardFor(key string) *shard {
	return &m.shards[maphash.String(m.seed, key)%uint64(len(m.shards))]
}

// Lock захватывает мьютекс ключа и возвращает функцию освобождения.
func (m *Map) Lock(key string) (unlock func()) {
	s := m.shardFor(key)

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			s.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(s.entries, key)
			}
			s.mu.Unlock()
		})
	}
}

// WithLock выполняет fn под мьютексом ключа.
func (m *Map) WithLock(key string, fn func() error) error {
	unlock := m.Lock(key)
	defer unlock()
	return fn()
}

// Len возвращает число активных записей (используется в тестах).
func (m *Map) Len() int {
	total := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}
