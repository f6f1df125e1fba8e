package tikuncrm

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Event Dispatcher & Subscription Registry
// ============================================================================

// Handler receives one event. Handlers run synchronously in registration
// order on the read loop; they must be fast and must not block.
type Handler func(evt Event)

type registration struct {
	id uuid.UUID
	fn Handler
}

// dispatcher fans inbound events out to listeners keyed by event type.
// All registry mutation goes through on/remove; dispatch works on a
// snapshot so listeners may unsubscribe (themselves or others) mid-delivery.
type dispatcher struct {
	mu     sync.RWMutex
	subs   map[string][]*registration
	logger zerolog.Logger
}

func newDispatcher(logger zerolog.Logger) *dispatcher {
	return &dispatcher{
		subs:   make(map[string][]*registration),
		logger: logger,
	}
}

// on registers fn for eventType and returns a remover that detaches exactly
// this registration. Calling the remover more than once is a no-op.
func (d *dispatcher) on(eventType string, fn Handler) func() {
	reg := &registration{id: uuid.New(), fn: fn}

	d.mu.Lock()
	d.subs[eventType] = append(d.subs[eventType], reg)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(eventType, reg.id) })
	}
}

func (d *dispatcher) remove(eventType string, id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	regs := d.subs[eventType]
	for i, reg := range regs {
		if reg.id == id {
			d.subs[eventType] = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(d.subs[eventType]) == 0 {
		delete(d.subs, eventType)
	}
}

// dispatch delivers evt to every listener registered for its type, in
// registration order. A listener that panics is logged and skipped; delivery
// to the remaining listeners continues. Zero listeners is not an error.
func (d *dispatcher) dispatch(evt Event) {
	d.mu.RLock()
	regs := append([]*registration(nil), d.subs[evt.Type]...)
	d.mu.RUnlock()

	if len(regs) == 0 {
		d.logger.Debug().Str("event", evt.Type).Msg("no listeners, event dropped")
		return
	}
	for _, reg := range regs {
		d.invoke(reg, evt)
	}
}

func (d *dispatcher) invoke(reg *registration, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("event", evt.Type).
				Str("listener", reg.id.String()).
				Any("panic", r).
				Msg("listener panicked, continuing delivery")
		}
	}()
	reg.fn(evt)
}

// listenerCount reports the number of live registrations for eventType.
func (d *dispatcher) listenerCount(eventType string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[eventType])
}
