package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/clinic-booking-platform/pkg/logging"
)

// ProcessedEvent is one provider webhook delivery and the booking it settled.
type ProcessedEvent struct {
	Provider      string    `json:"provider"`
	EventID       string    `json:"event_id"`
	Variant       string    `json:"variant,omitempty"`
	AppointmentID string    `json:"appointment_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	Disposition   string    `json:"disposition,omitempty"`
	ProcessedAt   time.Time `json:"processed_at"`
}

func (e ProcessedEvent) key() (string, string, error) {
	provider := strings.ToLower(strings.TrimSpace(e.Provider))
	eventID := strings.TrimSpace(e.EventID)
	if provider == "" || eventID == "" {
		return "", "", fmt.Errorf("events: processed event needs provider and event id")
	}
	return provider, eventID, nil
}

// Ledger records provider webhook deliveries that were already reconciled. AlreadyProcessed
// is a fast path only; reconciliation stays correct without it.
type Ledger interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, evt ProcessedEvent) (bool, error)
	ForAppointment(ctx context.Context, variant, appointmentID string) ([]ProcessedEvent, error)
	Purge(ctx context.Context, before time.Time) (int64, error)
}

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ProcessedStore is the Postgres Ledger.
type ProcessedStore struct {
	pool rowQuerier
	now  func() time.Time
}

func NewProcessedStore(pool *pgxpool.Pool) *ProcessedStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &ProcessedStore{pool: pool, now: time.Now}
}

func newProcessedStoreWithExec(exec rowQuerier) *ProcessedStore {
	if exec == nil {
		panic("events: exec required")
	}
	return &ProcessedStore{pool: exec, now: time.Now}
}

func (s *ProcessedStore) AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	provider, eventID, err := ProcessedEvent{Provider: provider, EventID: eventID}.key()
	if err != nil {
		return false, err
	}
	query := `SELECT 1 FROM processed_events WHERE provider = $1 AND event_id = $2`
	var exists int
	if err := s.pool.QueryRow(ctx, query, provider, eventID).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("events: check processed: %w", err)
	}
	return true, nil
}

// MarkProcessed stores the delivery, returning false if the provider event id already exists.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, evt ProcessedEvent) (bool, error) {
	provider, eventID, err := evt.key()
	if err != nil {
		return false, err
	}
	at := evt.ProcessedAt
	if at.IsZero() {
		at = s.now()
	}
	query := `
		INSERT INTO processed_events (provider, event_id, variant, appointment_id, session_id, disposition, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING
	`
	ct, err := s.pool.Exec(ctx, query, provider, eventID, evt.Variant, evt.AppointmentID, evt.SessionID, evt.Disposition, at.UTC())
	if err != nil {
		return false, fmt.Errorf("events: mark processed: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// ForAppointment lists the deliveries that touched one booking, oldest first.
func (s *ProcessedStore) ForAppointment(ctx context.Context, variant, appointmentID string) ([]ProcessedEvent, error) {
	query := `
		SELECT provider, event_id, variant, appointment_id, session_id, disposition, processed_at
		FROM processed_events
		WHERE variant = $1 AND appointment_id = $2
		ORDER BY processed_at
	`
	rows, err := s.pool.Query(ctx, query, variant, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("events: list processed: %w", err)
	}
	defer rows.Close()

	var out []ProcessedEvent
	for rows.Next() {
		var e ProcessedEvent
		if err := rows.Scan(&e.Provider, &e.EventID, &e.Variant, &e.AppointmentID, &e.SessionID, &e.Disposition, &e.ProcessedAt); err != nil {
			return nil, fmt.Errorf("events: scan processed: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("events: list processed: %w", err)
	}
	return out, nil
}

// Purge drops deliveries recorded before the cutoff.
func (s *ProcessedStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx, `DELETE FROM processed_events WHERE processed_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("events: purge processed: %w", err)
	}
	return ct.RowsAffected(), nil
}

// RunPurge deletes deliveries older than retention every interval until ctx is done.
func RunPurge(ctx context.Context, ledger Ledger, retention, interval time.Duration, logger *logging.Logger) {
	if ledger == nil || retention <= 0 || interval <= 0 {
		return
	}
	if logger == nil {
		logger = logging.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := ledger.Purge(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Error("processed ledger purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("processed ledger purged", "rows", n, "retention", retention)
			}
		}
	}
}
