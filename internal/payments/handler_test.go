package payments

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-platform/internal/appointments"
	"github.com/wolfman30/clinic-booking-platform/internal/identity"
)

func postReconcile(h *ReconcileHandler, actor *identity.Actor, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/payments/reconcile", strings.NewReader(body))
	if actor != nil {
		req = req.WithContext(identity.WithActor(req.Context(), *actor))
	}
	rr := httptest.NewRecorder()
	h.Reconcile(rr, req)
	return rr
}

func TestReconcileHandlerAppliesEvent(t *testing.T) {
	f := newFixture(t)
	rec := f.book(t, appointments.VariantService, serviceBooking(), "sess-1")
	h := NewReconcileHandler(f.reconciler, nil)

	rr := postReconcile(h, &admin, `{"variant":"service","session_id":"sess-1","provider_id":"pay_1","outcome":"paid","amount":399}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var res Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, Applied, res.Disposition)
	require.NotNil(t, res.Record)
	assert.Equal(t, rec.ID, res.Record.ID)
	assert.Equal(t, appointments.StatusConfirmed, res.Record.Status)
}

func TestReconcileHandlerErrors(t *testing.T) {
	f := newFixture(t)
	f.book(t, appointments.VariantDoctor, doctorBooking(), "sess-doc")
	h := NewReconcileHandler(f.reconciler, nil)

	tests := []struct {
		name  string
		actor *identity.Actor
		body  string
		want  int
	}{
		{"bad json", &admin, `{`, http.StatusBadRequest},
		{"unknown session", &admin, `{"session_id":"nope","outcome":"paid","amount":149}`, http.StatusNotFound},
		{"mismatch", &admin, `{"session_id":"sess-doc","outcome":"paid","amount":199}`, http.StatusUnprocessableEntity},
		{"bad outcome", &admin, `{"session_id":"sess-doc","outcome":"pending","amount":149}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postReconcile(h, tt.actor, tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}
