package storage

import (
	"sync"
	"time"
)

const progressInterval = 200 * time.Millisecond

// progressReporter is fed by an io.TeeReader over the object body and fires
// the callback at most every progressInterval, plus once at completion.
type progressReporter struct {
	total    int64
	done     int64
	cb       func(done, total int64)
	mu       sync.Mutex
	lastFire time.Time
}

func newProgressReporter(total int64, cb func(done, total int64)) *progressReporter {
	if cb == nil {
		return nil
	}
	return &progressReporter{
		total: total,
		cb:    cb,
	}
}

func (p *progressReporter) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done += int64(len(b))
	now := time.Now()
	if now.Sub(p.lastFire) >= progressInterval || p.done == p.total {
		p.lastFire = now
		p.cb(p.done, p.total)
	}
	return len(b), nil
}

func (p *progressReporter) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != p.total {
		p.done = p.total
		p.cb(p.done, p.total)
	}
}
