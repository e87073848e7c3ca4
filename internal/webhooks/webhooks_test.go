package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veraproof/backend/internal/database"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	db, _, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	// Attempt logging tolerates store failures, so the unscripted mock is
	// fine for delivery tests.
	return NewRegistry(database.NewClient(sqlx.NewDb(db, "sqlmock"), testLogger()), testLogger())
}

func testDeliveries() *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "test_webhook_deliveries_total",
	}, []string{"outcome"})
}

func testEvent() Event {
	tier2 := 40
	return Event{
		SessionID:          "sess-1",
		Tier1Score:         62,
		Tier2Score:         &tier2,
		FinalTrustScore:    53,
		VerificationStatus: "flagged_low_confidence",
		Timestamp:          time.Unix(1724500000, 0).UTC(),
		Metadata:           map[string]interface{}{"user_reference": "case-9"},
		Name:               "verification.complete",
		TenantID:           "t1",
	}
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	body, err := CanonicalJSON(testEvent())
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &m))
	assert.Contains(t, m, "session_id")
	assert.Contains(t, m, "final_trust_score")

	// Stable across calls.
	again, err := CanonicalJSON(testEvent())
	require.NoError(t, err)
	assert.Equal(t, body, again)

	// Keys appear in sorted order in the rendered bytes.
	s := string(body)
	assert.Less(t, strings.Index(s, `"final_trust_score"`), strings.Index(s, `"session_id"`))
	assert.Less(t, strings.Index(s, `"session_id"`), strings.Index(s, `"tier_1_score"`))
}

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"session_id":"s1"}`)

	sig := SignPayload(body, "secret-1")
	assert.Len(t, sig, 64)
	assert.True(t, VerifySignature(body, "secret-1", sig))
	assert.False(t, VerifySignature(body, "secret-2", sig))
	assert.False(t, VerifySignature([]byte(`{"session_id":"s2"}`), "secret-1", sig))
}

func TestDeliverRetriesUntilSuccess(t *testing.T) {
	var calls int32
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		gotSig = r.Header.Get(SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	deliveries := testDeliveries()
	d := NewDispatcher(testRegistry(t), 1, deliveries, testLogger())
	d.backoffBase = time.Millisecond
	defer d.Shutdown(context.Background())

	ep := Endpoint{ID: "wh1", TenantID: "t1", URL: srv.URL, Secret: "shh"}
	d.deliver(context.Background(), ep, testEvent())

	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.True(t, VerifySignature(gotBody, "shh", gotSig))
	assert.Equal(t, 1.0, testutil.ToFloat64(deliveries.WithLabelValues("delivered")))
	assert.Equal(t, 0.0, testutil.ToFloat64(deliveries.WithLabelValues("failed")))
}

func TestDeliverGivesUpAfterThreeAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	deliveries := testDeliveries()
	d := NewDispatcher(testRegistry(t), 1, deliveries, testLogger())
	d.backoffBase = time.Millisecond
	defer d.Shutdown(context.Background())

	ep := Endpoint{ID: "wh1", TenantID: "t1", URL: srv.URL, Secret: "shh"}
	d.deliver(context.Background(), ep, testEvent())

	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.Equal(t, 1.0, testutil.ToFloat64(deliveries.WithLabelValues("failed")))
}

func TestDeliverUnreachableEndpoint(t *testing.T) {
	d := NewDispatcher(testRegistry(t), 1, nil, testLogger())
	d.backoffBase = time.Millisecond
	defer d.Shutdown(context.Background())

	ep := Endpoint{ID: "wh1", TenantID: "t1", URL: "http://127.0.0.1:1", Secret: "shh"}
	// Must return, not panic or hang.
	d.deliver(context.Background(), ep, testEvent())
}

func TestEndpointMatches(t *testing.T) {
	assert.True(t, (&Endpoint{}).Matches("verification.complete"))
	assert.True(t, (&Endpoint{Events: []string{"*"}}).Matches("anything"))
	assert.True(t, (&Endpoint{Events: []string{"verification.complete"}}).Matches("verification.complete"))
	assert.False(t, (&Endpoint{Events: []string{"verification.complete"}}).Matches("quota.alert"))
}
