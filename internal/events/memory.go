package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryOutbox is a process-local Store used when no database is configured.
type MemoryOutbox struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*memoryEntry
}

type memoryEntry struct {
	OutboxEntry
	delivered bool
	lastError string
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{entries: make(map[uuid.UUID]*memoryEntry)}
}

func (m *MemoryOutbox) Insert(ctx context.Context, aggregate string, evt CanonicalEvent) (uuid.UUID, error) {
	eventType, data, err := encodeEvent(evt)
	if err != nil {
		return uuid.Nil, err
	}
	id := uuid.New()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = &memoryEntry{OutboxEntry: OutboxEntry{
		ID:        id,
		Aggregate: aggregate,
		Type:      eventType,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	}}
	return id, nil
}

func (m *MemoryOutbox) FetchPending(ctx context.Context, limit int32) ([]OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboxEntry, 0, len(m.entries))
	for _, e := range m.entries {
		if !e.delivered {
			out = append(out, e.OutboxEntry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && int(limit) < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryOutbox) MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.delivered {
		return false, nil
	}
	e.delivered = true
	return true, nil
}

func (m *MemoryOutbox) MarkFailed(ctx context.Context, id uuid.UUID, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok && !e.delivered {
		e.Attempts++
		e.lastError = errorText(cause)
	}
	return nil
}

// Pending returns the number of undelivered entries.
func (m *MemoryOutbox) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if !e.delivered {
			n++
		}
	}
	return n
}

// MemoryProcessedStore is an in-process Ledger.
type MemoryProcessedStore struct {
	mu   sync.Mutex
	seen map[string]ProcessedEvent
	now  func() time.Time
}

func NewMemoryProcessedStore() *MemoryProcessedStore {
	return &MemoryProcessedStore{seen: make(map[string]ProcessedEvent), now: time.Now}
}

func (m *MemoryProcessedStore) AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	provider, eventID, err := ProcessedEvent{Provider: provider, EventID: eventID}.key()
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[provider+"/"+eventID]
	return ok, nil
}

func (m *MemoryProcessedStore) MarkProcessed(ctx context.Context, evt ProcessedEvent) (bool, error) {
	provider, eventID, err := evt.key()
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := provider + "/" + eventID
	if _, ok := m.seen[key]; ok {
		return false, nil
	}
	evt.Provider, evt.EventID = provider, eventID
	if evt.ProcessedAt.IsZero() {
		evt.ProcessedAt = m.now()
	}
	m.seen[key] = evt
	return true, nil
}

func (m *MemoryProcessedStore) ForAppointment(ctx context.Context, variant, appointmentID string) ([]ProcessedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ProcessedEvent
	for _, e := range m.seen {
		if e.Variant == variant && e.AppointmentID == appointmentID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessedAt.Before(out[j].ProcessedAt) })
	return out, nil
}

func (m *MemoryProcessedStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, e := range m.seen {
		if e.ProcessedAt.Before(before) {
			delete(m.seen, key)
			n++
		}
	}
	return n, nil
}
