package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-platform/internal/appointments"
	"github.com/wolfman30/clinic-booking-platform/internal/events"
	"github.com/wolfman30/clinic-booking-platform/internal/identity"
	"github.com/wolfman30/clinic-booking-platform/internal/keylock"
	"github.com/wolfman30/clinic-booking-platform/pkg/logging"
)

var patient = identity.Actor{ID: "patient-1", Role: identity.RolePatient}

type harness struct {
	op    *operator
	store *events.MemoryOutbox
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logging.New("error")
	store := events.NewMemoryOutbox()
	outbox := events.NewBookingOutbox(store)
	engine := appointments.NewEngine(appointments.NewInMemoryRepository(), keylock.NewLocal(), logger).WithOutbox(outbox)
	return &harness{op: newOperator(engine, outbox, logger), store: store}
}

func (h *harness) book(t *testing.T, session string) *appointments.Record {
	t.Helper()
	ctx := context.Background()
	rec, err := h.op.engine.Create(ctx, patient, appointments.VariantService, appointments.CreateRequest{
		Subject:     appointments.Subject{ID: "S1", Name: "MRI Scan", Price: 399},
		PatientName: "Asha Rao",
		Mobile:      "+15550100",
		Date:        "2025-11-28",
		Slot:        appointments.TimeSlot{Clock: &appointments.ClockTime{Hour: 6, Minute: 0, AMPM: "PM"}},
		Fees:        399,
	})
	require.NoError(t, err)
	rec, err = h.op.engine.AttachPaymentSession(ctx, patient, appointments.VariantService, rec.ID, session, appointments.MethodCard)
	require.NoError(t, err)
	return rec
}

func (h *harness) refundIntents(t *testing.T) int {
	t.Helper()
	entries, err := h.store.FetchPending(context.Background(), 100)
	require.NoError(t, err)
	n := 0
	for _, e := range entries {
		if e.Type == events.TypeRefundRequested {
			n++
		}
	}
	return n
}

func TestReplayCountsDispositions(t *testing.T) {
	h := newHarness(t)
	rec := h.book(t, "sess-1")

	input := strings.Join([]string{
		`{"variant":"service","session_id":"sess-1","provider_id":"pay_1","outcome":"paid","amount":399}`,
		``,
		`{"variant":"service","session_id":"sess-1","provider_id":"pay_1","outcome":"paid","amount":399}`,
		`{"variant":"service","session_id":"sess-1","provider_id":"pay_1","outcome":"failed","amount":399}`,
		`{"variant":"service","session_id":"missing","outcome":"paid","amount":399}`,
		`not json`,
	}, "\n")

	sum, err := h.op.replay(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, ReplaySummary{Applied: 1, Duplicate: 1, Stale: 1, Failed: 2}, sum)

	got, err := h.op.engine.Get(context.Background(), operatorActor, appointments.VariantService, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, appointments.StatusConfirmed, got.Status)
}

func TestRequeueRefunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.book(t, "sess-2")
	_, err := h.op.replay(ctx, strings.NewReader(`{"session_id":"sess-2","provider_id":"pay_2","outcome":"paid","amount":399}`))
	require.NoError(t, err)

	_, err = h.op.engine.Cancel(ctx, patient, appointments.VariantService, rec.ID, "travel")
	require.NoError(t, err)
	require.Equal(t, 1, h.refundIntents(t))

	n, err := h.op.requeueRefunds(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.refundIntents(t), "dry run must not enqueue")

	n, err = h.op.requeueRefunds(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, h.refundIntents(t))
}

func TestShowPrintsRecord(t *testing.T) {
	h := newHarness(t)
	rec := h.book(t, "sess-3")

	var out bytes.Buffer
	require.NoError(t, h.op.show(context.Background(), &out, "service", rec.ID))

	var got appointments.Record
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "sess-3", got.Payment.SessionID)

	require.Error(t, h.op.show(context.Background(), &out, "spa", rec.ID))
	require.ErrorIs(t, h.op.show(context.Background(), &out, "service", "nope"), appointments.ErrNotFound)
}

func TestReplayCommandReadsStdin(t *testing.T) {
	h := newHarness(t)
	h.book(t, "sess-4")

	cmd := reconcileCmd(func() *operator { return h.op })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(`{"session_id":"sess-4","provider_id":"pay_4","outcome":"paid","amount":399}` + "\n"))
	cmd.SetArgs([]string{"replay"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "applied=1")
}
