package ratelimit

import (
	"context"
	"sync"
	"time"
)

// evictionSampleSize は上限到達時に退避候補として調べるエントリ数。
const evictionSampleSize = 8

// MemoryStoreOptions はMemoryStoreの設定。
type MemoryStoreOptions struct {
	// MaxKeys は保持するキー数の上限。0以下の場合は無制限。
	MaxKeys int
	// SweepInterval は期限切れカウンタを掃除する間隔。0以下の場合は掃除しない。
	SweepInterval time.Duration
}

// memoryCounter はMemoryStore内部のカウンタ。
type memoryCounter struct {
	windowStart time.Time
	expiresAt   time.Time
	count       int
}

// MemoryStore はプロセス内のmapにカウンタを保持するStore。
// 単一のミューテックスでmap全体を保護する。
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	maxKeys  int

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore は新しいMemoryStoreを生成する。
// SweepIntervalが正の場合は掃除用のgoroutineを起動する。Closeで停止すること。
func NewMemoryStore(opts MemoryStoreOptions) *MemoryStore {
	s := &MemoryStore{
		counters: make(map[string]*memoryCounter),
		maxKeys:  opts.MaxKeys,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	if opts.SweepInterval > 0 {
		go s.sweepLoop(opts.SweepInterval)
	} else {
		close(s.stopped)
	}
	return s
}

// Increment はStoreインターフェースを実装する。
func (s *MemoryStore) Increment(_ context.Context, key string, now time.Time, window time.Duration) (Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok {
		if s.maxKeys > 0 && len(s.counters) >= s.maxKeys {
			s.evictLocked(now)
		}
		c = &memoryCounter{windowStart: now, expiresAt: now.Add(window)}
		s.counters[key] = c
	} else if !now.Before(c.windowStart.Add(window)) {
		c.windowStart = now
		c.expiresAt = now.Add(window)
		c.count = 0
	}

	c.count++
	return Counter{WindowStart: c.windowStart, Count: c.count}, nil
}

// evictLocked は上限到達時にエントリを1つ以上取り除く。
// 期限切れのエントリがあればそれを、無ければ調べた中で最も古いウィンドウのものを削除する。
// s.muを保持した状態で呼び出すこと。
func (s *MemoryStore) evictLocked(now time.Time) {
	var (
		oldestKey string
		oldest    time.Time
		seen      int
		removed   bool
	)
	for k, c := range s.counters {
		if !now.Before(c.expiresAt) {
			delete(s.counters, k)
			removed = true
		} else if oldestKey == "" || c.windowStart.Before(oldest) {
			oldestKey, oldest = k, c.windowStart
		}
		seen++
		if seen >= evictionSampleSize {
			break
		}
	}
	if !removed && oldestKey != "" {
		delete(s.counters, oldestKey)
	}
}

// Sweep は期限切れのカウンタを全て削除し、削除した件数を返す。
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, c := range s.counters {
		if !now.Before(c.expiresAt) {
			delete(s.counters, k)
			removed++
		}
	}
	return removed
}

// Len は保持しているキー数を返す。
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

// sweepLoop はintervalごとにSweepを実行する。
func (s *MemoryStore) sweepLoop(interval time.Duration) {
	defer close(s.stopped)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}

// Close は掃除用goroutineを停止し、終了を待つ。複数回呼び出しても安全。
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	<-s.stopped
	return nil
}
