// Package event is the engine's in-process notification bus: TaskPool
// emits one Event per state transition, and any number of observers
// (a status line renderer, a metrics sink, a webhook forwarder) can
// subscribe without TaskPool knowing they exist.
package event

import "sync"

// Name enumerates every event the engine emits.
type Name string

const (
	ExecutionStarted       Name = "execution:started"
	ExecutionCompleted     Name = "execution:completed"
	PackageStarted         Name = "package:started"
	PackageCompleted       Name = "package:completed"
	PackageSkippedNoChange Name = "package:skipped-no-changes"
	PackageFailed          Name = "package:failed"
	PackageRetrying        Name = "package:retrying"
	PackageSkipped         Name = "package:skipped"
	CheckpointSaved        Name = "checkpoint:saved"
)

// Event carries a Name plus whatever payload is relevant to it. Package is
// empty for execution-scoped events (ExecutionStarted, ExecutionCompleted,
// CheckpointSaved).
type Event struct {
	Name    Name
	Package string
	Data    map[string]interface{}
}

// Observer is called once per emitted Event, synchronously on the
// goroutine that called Bus.Emit. Observers must not block: a slow
// observer stalls the scheduler loop that emitted the event.
type Observer func(Event)

// Bus is a minimal synchronous pub/sub register, safe for concurrent use.
type Bus struct {
	mu        sync.RWMutex
	observers []Observer
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn to be called for every future Emit. Returns an
// unsubscribe function.
func (b *Bus) Subscribe(fn Observer) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := len(b.observers)
	b.observers = append(b.observers, fn)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.observers) {
			b.observers[idx] = nil
		}
	}
}

// Emit calls every live observer, in subscription order.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.mu.RUnlock()

	for _, obs := range observers {
		if obs != nil {
			obs(e)
		}
	}
}
