package appointments

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ListFilter narrows List results. Empty fields match everything.
type ListFilter struct {
	Variant       Variant
	Status        Status
	OwnerID       string
	SubjectID     string
	Date          string
	RefundPending bool
	Limit         int
}

// Repository persists booking records. Implementations enforce the single-active-record-per-slot
// and unique-session rules on write so they hold even if a caller skips the engine's lock.
type Repository interface {
	Insert(ctx context.Context, rec *Record) error
	Get(ctx context.Context, variant Variant, id string) (*Record, error)
	FindBySession(ctx context.Context, variant Variant, sessionID string) (*Record, error)
	// Update writes rec if the stored version still equals rec.Version, then bumps rec.Version.
	Update(ctx context.Context, rec *Record) error
	// ActiveInSlot reports whether another active record (not excludeID) holds key.
	ActiveInSlot(ctx context.Context, key SlotKey, excludeID string) (bool, error)
	List(ctx context.Context, filter ListFilter) ([]*Record, error)
}

// InMemoryRepository is a process-local Repository for development and tests.
type InMemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{records: make(map[string]*Record)}
}

func memKey(variant Variant, id string) string {
	return string(variant) + ":" + id
}

func (r *InMemoryRepository) Insert(ctx context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := memKey(rec.Variant, rec.ID)
	if _, exists := r.records[key]; exists {
		return fmt.Errorf("appointments: insert %s: duplicate id", rec.ID)
	}
	if err := r.checkUniqueLocked(rec); err != nil {
		return err
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt
	rec.Version = 1
	r.records[key] = rec.Clone()
	return nil
}

func (r *InMemoryRepository) Get(ctx context.Context, variant Variant, id string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[memKey(variant, id)]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *InMemoryRepository) FindBySession(ctx context.Context, variant Variant, sessionID string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		if rec.Variant == variant && rec.Payment.SessionID != "" && rec.Payment.SessionID == sessionID {
			return rec.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (r *InMemoryRepository) Update(ctx context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := memKey(rec.Variant, rec.ID)
	stored, ok := r.records[key]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != rec.Version {
		return ErrStaleRecord
	}
	if err := r.checkUniqueLocked(rec); err != nil {
		return err
	}
	rec.Version++
	rec.UpdatedAt = time.Now().UTC()
	r.records[key] = rec.Clone()
	return nil
}

func (r *InMemoryRepository) ActiveInSlot(ctx context.Context, key SlotKey, excludeID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slotTakenLocked(key, excludeID), nil
}

func (r *InMemoryRepository) List(ctx context.Context, filter ListFilter) ([]*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0)
	for _, rec := range r.records {
		if !matches(rec, filter) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *InMemoryRepository) checkUniqueLocked(rec *Record) error {
	if rec.Status.Active() && r.slotTakenLocked(rec.SlotKey(), rec.ID) {
		return ErrSlotConflict
	}
	if rec.Payment.SessionID != "" {
		for _, other := range r.records {
			if other.ID != rec.ID && other.Variant == rec.Variant && other.Payment.SessionID == rec.Payment.SessionID {
				return ErrSessionTaken
			}
		}
	}
	return nil
}

func (r *InMemoryRepository) slotTakenLocked(key SlotKey, excludeID string) bool {
	for _, rec := range r.records {
		if rec.ID == excludeID || !rec.Status.Active() {
			continue
		}
		if rec.SlotKey() == key {
			return true
		}
	}
	return false
}

func matches(rec *Record, f ListFilter) bool {
	switch {
	case f.Variant != "" && rec.Variant != f.Variant:
		return false
	case f.Status != "" && rec.Status != f.Status:
		return false
	case f.OwnerID != "" && rec.OwnerID != f.OwnerID:
		return false
	case f.SubjectID != "" && rec.Subject.ID != f.SubjectID:
		return false
	case f.Date != "" && rec.EffectiveSchedule().Date != f.Date:
		return false
	case f.RefundPending && !rec.RefundPending():
		return false
	}
	return true
}
