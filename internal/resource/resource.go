// Package resource tracks the engine's concurrency budget: an integer
// slot counter with a configurable maximum, plus a best-effort host free
// memory probe modelled on cmd/autobuilder's use of unix.Statfs for free
// disk space, applied here to unix.Sysinfo for free RAM.
package resource

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

// Warning is emitted on the side channel when host free memory drops below
// the low-memory threshold. Failures of the memory probe itself are
// swallowed, per spec: a monitoring glitch must never abort a build.
type Warning struct {
	Message     string
	FreePercent float64
}

// Monitor holds {max, current} and exposes Allocate/Release/CanAllocate,
// plus read-only metrics. It is safe for concurrent use.
type Monitor struct {
	max int64
	sem *semaphore.Weighted

	mu                sync.Mutex
	current           int64
	peak              int64
	totalAllocations  int64
	totalReleases     int64
	allocationSamples []int64 // one sample per allocate/release, for the mean

	onWarning func(Warning)

	metrics *Metrics
}

// Option configures a Monitor at construction.
type Option func(*Monitor)

// WithWarningHandler registers a callback invoked (synchronously, from
// whichever goroutine calls Allocate) whenever free memory drops below 5%
// of total. Handlers must not block.
func WithWarningHandler(fn func(Warning)) Option {
	return func(m *Monitor) { m.onWarning = fn }
}

// WithMetrics attaches a Prometheus metrics sink; see metrics.go.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Monitor) { m.metrics = metrics }
}

func New(max int, opts ...Option) *Monitor {
	if max < 1 {
		max = 1
	}
	m := &Monitor{
		max: int64(max),
		sem: semaphore.NewWeighted(int64(max)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CanAllocate reports whether k more slots could be allocated right now.
// It is inherently racy against concurrent Allocate calls; callers use it
// only as a hint (e.g. to size a Scheduler request), never to skip the
// Allocate call itself.
func (m *Monitor) CanAllocate(k int) bool {
	if k < 1 {
		k = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current+int64(k) <= m.max
}

// Allocate attempts to reserve k slots (default 1), returning false
// without side effects if the budget is exhausted.
func (m *Monitor) Allocate(k int) bool {
	if k < 1 {
		k = 1
	}
	if !m.sem.TryAcquire(int64(k)) {
		return false
	}
	m.mu.Lock()
	m.current += int64(k)
	if m.current > m.peak {
		m.peak = m.current
	}
	m.totalAllocations++
	m.allocationSamples = append(m.allocationSamples, m.current)
	current, max := m.current, m.max
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.observe(current, max, m.peak)
		m.metrics.IncAllocation()
	}
	m.checkMemory()
	return true
}

// Release gives back k slots (default 1). Releasing more than was
// allocated is clamped to zero rather than going negative: a benign
// programmer error the engine tolerates per spec.
func (m *Monitor) Release(k int) {
	if k < 1 {
		k = 1
	}
	m.mu.Lock()
	if int64(k) > m.current {
		k = int(m.current)
	}
	if k > 0 {
		m.current -= int64(k)
		m.totalReleases++
		m.allocationSamples = append(m.allocationSamples, m.current)
	}
	current, max := m.current, m.max
	m.mu.Unlock()

	if k > 0 {
		m.sem.Release(int64(k))
	}
	if m.metrics != nil {
		m.metrics.observe(current, max, m.peak)
		if k > 0 {
			m.metrics.IncRelease()
		}
	}
}

// Acquire blocks (respecting ctx) until k slots are available, then
// reserves them. Used where a caller genuinely wants to wait rather than
// poll CanAllocate/Allocate.
func (m *Monitor) Acquire(ctx context.Context, k int) error {
	if k < 1 {
		k = 1
	}
	if err := m.sem.Acquire(ctx, int64(k)); err != nil {
		return err
	}
	m.mu.Lock()
	m.current += int64(k)
	if m.current > m.peak {
		m.peak = m.current
	}
	m.totalAllocations++
	m.allocationSamples = append(m.allocationSamples, m.current)
	current, max := m.current, m.max
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.observe(current, max, m.peak)
		m.metrics.IncAllocation()
	}
	m.checkMemory()
	return nil
}

// PeakConcurrency is the highest current value ever observed.
func (m *Monitor) PeakConcurrency() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.peak)
}

// AverageConcurrency is the mean of every allocation-history sample (one
// per allocate/release).
func (m *Monitor) AverageConcurrency() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.allocationSamples) == 0 {
		return 0
	}
	var sum int64
	for _, s := range m.allocationSamples {
		sum += s
	}
	return float64(sum) / float64(len(m.allocationSamples))
}

func (m *Monitor) TotalAllocations() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalAllocations
}

func (m *Monitor) TotalReleases() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalReleases
}

// CurrentUtilizationPercent is 100*current/max.
func (m *Monitor) CurrentUtilizationPercent() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.max == 0 {
		return 0
	}
	return 100 * float64(m.current) / float64(m.max)
}

const lowMemoryThresholdPercent = 5.0

// checkMemory probes host free memory via Sysinfo and emits a Warning if
// below 5% of total. Probe failures are swallowed: a monitoring glitch
// must never fail a build.
func (m *Monitor) checkMemory() {
	if m.onWarning == nil {
		return
	}
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return
	}
	if info.Totalram == 0 {
		return
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	total := info.Totalram * unit
	free := info.Freeram * unit
	percent := 100 * float64(free) / float64(total)
	if percent < lowMemoryThresholdPercent {
		m.onWarning(Warning{
			Message:     "host free memory is low",
			FreePercent: percent,
		})
	}
}
