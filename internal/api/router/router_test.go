package router

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-platform/internal/appointments"
	"github.com/wolfman30/clinic-booking-platform/internal/events"
	httpmiddleware "github.com/wolfman30/clinic-booking-platform/internal/http/middleware"
	"github.com/wolfman30/clinic-booking-platform/internal/identity"
	"github.com/wolfman30/clinic-booking-platform/internal/keylock"
	"github.com/wolfman30/clinic-booking-platform/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-platform/internal/payments"
	"github.com/wolfman30/clinic-booking-platform/pkg/logging"
)

const testSecret = "router-secret"

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	logger := logging.New("error")
	reg := prometheus.NewRegistry()
	m := metrics.NewBookingMetrics(reg)
	outbox := events.NewBookingOutbox(events.NewMemoryOutbox())
	engine := appointments.NewEngine(appointments.NewInMemoryRepository(), keylock.NewLocal(), logger).
		WithOutbox(outbox).
		WithMetrics(m)
	reconciler := payments.NewReconciler(engine, logger).WithNotifier(outbox).WithMetrics(m)
	ledger := events.NewMemoryProcessedStore()

	return New(&Config{
		Logger:         logger,
		Appointments:   appointments.NewHandler(engine, logger).WithCreateMiddleware(httpmiddleware.RateLimit(1, 2)),
		Reconcile:      payments.NewReconcileHandler(reconciler, logger),
		SquareWebhook:  payments.NewSquareWebhookHandler("sq-key", reconciler, ledger, logger),
		StripeWebhook:  payments.NewStripeWebhookHandler("whsec", reconciler, ledger, logger),
		AuthSecret:     testSecret,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
}

func bearer(t *testing.T, actor identity.Actor) string {
	t.Helper()
	token, err := httpmiddleware.IssueToken(testSecret, actor, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)
	return "Bearer " + token
}

func do(t *testing.T, h http.Handler, method, path string, actor *identity.Actor, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set("Authorization", bearer(t, *actor))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRouterHealthEndpoint(t *testing.T) {
	router := newTestRouter(t)

	rr := do(t, router, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "ok", resp["status"])
	assert.NotEmpty(t, rr.Header().Get(httpmiddleware.RequestIDHeader))
}

func TestRouterRequiresToken(t *testing.T) {
	router := newTestRouter(t)
	for _, path := range []string{"/api/appointments", "/api/payments/reconcile", "/api/appointments/service"} {
		method := http.MethodPost
		if path == "/api/appointments" {
			method = http.MethodGet
		}
		rr := do(t, router, method, path, nil, map[string]string{})
		assert.Equal(t, http.StatusUnauthorized, rr.Code, path)
	}
}

func TestRouterWebhooksArePublicButSigned(t *testing.T) {
	router := newTestRouter(t)

	rr := do(t, router, http.MethodPost, "/webhooks/square", nil, map[string]string{"event_id": "e1"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, router, http.MethodPost, "/webhooks/stripe", nil, map[string]string{"id": "evt_1"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestRouterReconcileIsAdminOnly(t *testing.T) {
	router := newTestRouter(t)
	evt := payments.Event{SessionID: "sess-x", Outcome: appointments.PaymentPaid, Amount: 1}

	for _, role := range []identity.Role{identity.RolePatient, identity.RoleDoctor} {
		actor := identity.Actor{ID: "u-" + string(role), Role: role}
		rr := do(t, router, http.MethodPost, "/api/payments/reconcile", &actor, evt)
		assert.Equal(t, http.StatusForbidden, rr.Code, role)
	}

	admin := identity.Actor{ID: "admin-1", Role: identity.RoleAdmin}
	rr := do(t, router, http.MethodPost, "/api/payments/reconcile", &admin, evt)
	assert.Equal(t, http.StatusNotFound, rr.Code, "admin reaches the reconciler")
}

func TestRouterAppliesCORSPolicy(t *testing.T) {
	router := New(&Config{
		Logger:     logging.New("error"),
		AuthSecret: testSecret,
		CORS:       httpmiddleware.CORSConfig{AllowedOrigins: []string{"https://*.clinic.example"}},
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/appointments", nil)
	req.Header.Set("Origin", "https://north.clinic.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "https://north.clinic.example", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouterBookingFlow(t *testing.T) {
	router := newTestRouter(t)
	patient := identity.Actor{ID: "patient-1", Role: identity.RolePatient}
	admin := identity.Actor{ID: "admin-1", Role: identity.RoleAdmin}

	create := appointments.CreateRequest{
		Subject:     appointments.Subject{ID: "S1", Name: "MRI Scan", Price: 399},
		PatientName: "Asha Rao",
		Mobile:      "+15550100",
		Date:        "2025-11-28",
		Slot:        appointments.TimeSlot{Clock: &appointments.ClockTime{Hour: 6, Minute: 0, AMPM: "PM"}},
		Fees:        399,
	}
	rr := do(t, router, http.MethodPost, "/api/appointments/service", &patient, create)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var rec appointments.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, appointments.StatusPending, rec.Status)
	assert.Equal(t, patient.ID, rec.OwnerID)

	// Same slot again conflicts.
	rr = do(t, router, http.MethodPost, "/api/appointments/service", &patient, create)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, router, http.MethodPost, "/api/appointments/service/"+rec.ID+"/payment-session", &patient,
		map[string]string{"session_id": "sess-1", "method": "card"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	evt := payments.Event{SessionID: "sess-1", ProviderID: "pay_1", Outcome: appointments.PaymentPaid, Amount: 399}
	rr = do(t, router, http.MethodPost, "/api/payments/reconcile", &patient, evt)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, router, http.MethodPost, "/api/payments/reconcile", &admin, evt)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = do(t, router, http.MethodGet, "/api/appointments/service/"+rec.ID, &patient, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got appointments.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, appointments.StatusConfirmed, got.Status)
	assert.Equal(t, appointments.PaymentPaid, got.Payment.Status)

	rr = do(t, router, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "clinic_payments_reconcile_total")
}

func TestRouterThrottlesCreatePerActor(t *testing.T) {
	router := newTestRouter(t)
	patient := identity.Actor{ID: "patient-9", Role: identity.RolePatient}

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rr := do(t, router, http.MethodPost, "/api/appointments/service", &patient, map[string]string{})
		codes = append(codes, rr.Code)
	}
	assert.Equal(t, http.StatusBadRequest, codes[0])
	assert.Equal(t, http.StatusBadRequest, codes[1])
	assert.Equal(t, http.StatusTooManyRequests, codes[2])

	// Reads are not throttled.
	rr := do(t, router, http.MethodGet, "/api/appointments", &patient, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}
