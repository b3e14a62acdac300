package gateway

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// resourceGuard refuses new connections once the instance is at its
// connection cap or memory limit. Refusing at the door keeps the
// already-connected clients healthy instead of degrading everyone.
type resourceGuard struct {
	maxConnections int
	memoryLimit    int64

	mu        sync.Mutex
	proc      *process.Process
	lastRSS   int64
	checkedAt time.Time
}

// RSS is sampled at most this often; per-upgrade syscalls are not worth
// the precision.
const rssSampleInterval = 5 * time.Second

func newResourceGuard(maxConnections int, memoryLimit int64) *resourceGuard {
	g := &resourceGuard{
		maxConnections: maxConnections,
		memoryLimit:    memoryLimit,
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		g.proc = p
	}
	return g
}

// Admit reports whether a new connection may be accepted given the
// current live connection count.
func (g *resourceGuard) Admit(currentConnections int) error {
	if currentConnections >= g.maxConnections {
		return fmt.Errorf("connection limit reached (%d)", g.maxConnections)
	}
	if g.memoryLimit > 0 {
		if rss := g.currentRSS(); rss > g.memoryLimit {
			return fmt.Errorf("memory limit reached (%d > %d bytes)", rss, g.memoryLimit)
		}
	}
	return nil
}

func (g *resourceGuard) currentRSS() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.proc == nil {
		return 0
	}
	now := time.Now()
	if now.Sub(g.checkedAt) < rssSampleInterval {
		return g.lastRSS
	}
	g.checkedAt = now
	if info, err := g.proc.MemoryInfo(); err == nil {
		g.lastRSS = int64(info.RSS)
	}
	return g.lastRSS
}
