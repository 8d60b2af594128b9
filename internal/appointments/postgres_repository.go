package appointments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Constraint names from migrations/0001_appointments.up.sql.
const (
	constraintActiveSlot = "appointments_active_slot_key"
	constraintSession    = "appointments_payment_session_key"
	uniqueViolation      = "23505"
)

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository stores both variants in a single appointments table.
type PostgresRepository struct {
	db rowQuerier
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	if pool == nil {
		panic("appointments: pgx pool required")
	}
	return &PostgresRepository{db: pool}
}

func newPostgresRepositoryWithExec(exec rowQuerier) *PostgresRepository {
	if exec == nil {
		panic("appointments: exec required")
	}
	return &PostgresRepository{db: exec}
}

const selectColumns = `
	id, variant, owner_id, subject, patient_name, mobile, appt_date, slot, fees, status,
	rescheduled_to, payment_method, payment_status, payment_amount, payment_provider_id,
	payment_session_id, payment_paid_at, payment_meta, history, cancel_reason, canceled_by,
	version, created_at, updated_at
`

func (r *PostgresRepository) Insert(ctx context.Context, rec *Record) error {
	cols, err := encodeColumns(rec)
	if err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.UpdatedAt = rec.CreatedAt
	query := `
		INSERT INTO appointments (
			id, variant, owner_id, subject_id, subject, patient_name, mobile, appt_date, slot, slot_key,
			fees, status, rescheduled_to, payment_method, payment_status, payment_amount,
			payment_provider_id, payment_session_id, payment_paid_at, payment_meta, history,
			cancel_reason, canceled_by, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
			$20, $21, $22, $23, 1, $24, $24
		)
	`
	_, err = r.db.Exec(ctx, query,
		rec.ID, string(rec.Variant), rec.OwnerID, rec.Subject.ID, cols.subject, rec.PatientName, rec.Mobile,
		rec.Date, cols.slot, rec.SlotKey().String(), rec.Fees, string(rec.Status), cols.rescheduledTo,
		string(rec.Payment.Method), string(rec.Payment.Status), rec.Payment.Amount, rec.Payment.ProviderID,
		nullableText(rec.Payment.SessionID), nullableTime(rec.Payment.PaidAt), cols.meta, cols.history,
		rec.CancelReason, rec.CanceledBy, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("appointments: insert: %w", mapWriteError(err))
	}
	rec.Version = 1
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, variant Variant, id string) (*Record, error) {
	query := `SELECT ` + selectColumns + ` FROM appointments WHERE variant = $1 AND id = $2`
	rec, err := scanRecord(r.db.QueryRow(ctx, query, string(variant), id))
	if err != nil {
		return nil, fmt.Errorf("appointments: get: %w", err)
	}
	return rec, nil
}

func (r *PostgresRepository) FindBySession(ctx context.Context, variant Variant, sessionID string) (*Record, error) {
	query := `SELECT ` + selectColumns + ` FROM appointments WHERE variant = $1 AND payment_session_id = $2`
	rec, err := scanRecord(r.db.QueryRow(ctx, query, string(variant), sessionID))
	if err != nil {
		return nil, fmt.Errorf("appointments: find by session: %w", err)
	}
	return rec, nil
}

func (r *PostgresRepository) Update(ctx context.Context, rec *Record) error {
	cols, err := encodeColumns(rec)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	query := `
		UPDATE appointments SET
			appt_date = $3, slot = $4, slot_key = $5, status = $6, rescheduled_to = $7,
			payment_method = $8, payment_status = $9, payment_amount = $10, payment_provider_id = $11,
			payment_session_id = $12, payment_paid_at = $13, payment_meta = $14, history = $15,
			cancel_reason = $16, canceled_by = $17, version = version + 1, updated_at = $18
		WHERE variant = $1 AND id = $2 AND version = $19
	`
	ct, err := r.db.Exec(ctx, query,
		string(rec.Variant), rec.ID, rec.Date, cols.slot, rec.SlotKey().String(), string(rec.Status),
		cols.rescheduledTo, string(rec.Payment.Method), string(rec.Payment.Status), rec.Payment.Amount,
		rec.Payment.ProviderID, nullableText(rec.Payment.SessionID), nullableTime(rec.Payment.PaidAt),
		cols.meta, cols.history, rec.CancelReason, rec.CanceledBy, now, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("appointments: update: %w", mapWriteError(err))
	}
	if ct.RowsAffected() == 0 {
		var exists int
		err := r.db.QueryRow(ctx, `SELECT 1 FROM appointments WHERE variant = $1 AND id = $2`, string(rec.Variant), rec.ID).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("appointments: update: %w", err)
		}
		return ErrStaleRecord
	}
	rec.Version++
	rec.UpdatedAt = now
	return nil
}

func (r *PostgresRepository) ActiveInSlot(ctx context.Context, key SlotKey, excludeID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE slot_key = $1 AND status = ANY($2) AND ($3::text = '' OR id::text <> $3::text)
		)
	`
	var taken bool
	if err := r.db.QueryRow(ctx, query, key.String(), activeStatusStrings(), excludeID).Scan(&taken); err != nil {
		return false, fmt.Errorf("appointments: active in slot: %w", err)
	}
	return taken, nil
}

func (r *PostgresRepository) List(ctx context.Context, filter ListFilter) ([]*Record, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Variant != "" {
		add("variant = $%d", string(filter.Variant))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.OwnerID != "" {
		add("owner_id = $%d", filter.OwnerID)
	}
	if filter.SubjectID != "" {
		add("subject_id = $%d", filter.SubjectID)
	}
	if filter.Date != "" {
		add("COALESCE(rescheduled_to->>'date', appt_date) = $%d", filter.Date)
	}
	if filter.RefundPending {
		where = append(where, "payment_meta->>'refund_pending' = 'true'")
	}

	query := `SELECT ` + selectColumns + ` FROM appointments`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("appointments: list: %w", err)
	}
	defer rows.Close()

	out := make([]*Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("appointments: list: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type encodedColumns struct {
	subject       []byte
	slot          []byte
	rescheduledTo []byte
	meta          []byte
	history       []byte
}

func encodeColumns(rec *Record) (encodedColumns, error) {
	var cols encodedColumns
	var err error
	if cols.subject, err = json.Marshal(rec.Subject); err != nil {
		return cols, fmt.Errorf("appointments: encode subject: %w", err)
	}
	if cols.slot, err = json.Marshal(rec.Slot); err != nil {
		return cols, fmt.Errorf("appointments: encode slot: %w", err)
	}
	if rec.RescheduledTo != nil {
		if cols.rescheduledTo, err = json.Marshal(rec.RescheduledTo); err != nil {
			return cols, fmt.Errorf("appointments: encode rescheduled_to: %w", err)
		}
	}
	meta := rec.Payment.Meta
	if meta == nil {
		meta = Meta{}
	}
	if cols.meta, err = json.Marshal(meta); err != nil {
		return cols, fmt.Errorf("appointments: encode payment meta: %w", err)
	}
	history := rec.History
	if history == nil {
		history = []ScheduleChange{}
	}
	if cols.history, err = json.Marshal(history); err != nil {
		return cols, fmt.Errorf("appointments: encode history: %w", err)
	}
	return cols, nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec                                Record
		variant, status, method, payStatus string
		subject, slot, rescheduled         []byte
		meta, history                      []byte
		sessionID                          pgtype.Text
		paidAt                             pgtype.Timestamptz
	)
	err := row.Scan(
		&rec.ID, &variant, &rec.OwnerID, &subject, &rec.PatientName, &rec.Mobile, &rec.Date, &slot,
		&rec.Fees, &status, &rescheduled, &method, &payStatus, &rec.Payment.Amount,
		&rec.Payment.ProviderID, &sessionID, &paidAt, &meta, &history, &rec.CancelReason,
		&rec.CanceledBy, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.Variant = Variant(variant)
	rec.Status = Status(status)
	rec.Payment.Method = PaymentMethod(method)
	rec.Payment.Status = PaymentStatus(payStatus)
	if sessionID.Valid {
		rec.Payment.SessionID = sessionID.String
	}
	if paidAt.Valid {
		t := paidAt.Time.UTC()
		rec.Payment.PaidAt = &t
	}
	if err := json.Unmarshal(subject, &rec.Subject); err != nil {
		return nil, fmt.Errorf("decode subject: %w", err)
	}
	if err := json.Unmarshal(slot, &rec.Slot); err != nil {
		return nil, fmt.Errorf("decode slot: %w", err)
	}
	if len(rescheduled) > 0 && string(rescheduled) != "null" {
		var s Schedule
		if err := json.Unmarshal(rescheduled, &s); err != nil {
			return nil, fmt.Errorf("decode rescheduled_to: %w", err)
		}
		rec.RescheduledTo = &s
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Payment.Meta); err != nil {
			return nil, fmt.Errorf("decode payment meta: %w", err)
		}
		if len(rec.Payment.Meta) == 0 {
			rec.Payment.Meta = nil
		}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &rec.History); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
		if len(rec.History) == 0 {
			rec.History = nil
		}
	}
	return &rec, nil
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case constraintActiveSlot:
			return ErrSlotConflict
		case constraintSession:
			return ErrSessionTaken
		}
	}
	return err
}

func activeStatusStrings() []string {
	out := make([]string, len(ActiveStatuses))
	for i, s := range ActiveStatuses {
		out[i] = string(s)
	}
	return out
}

func nullableText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func nullableTime(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}
