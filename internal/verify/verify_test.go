package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veraproof/backend/internal/forensics"
	"github.com/veraproof/backend/internal/fusion"
	"github.com/veraproof/backend/internal/metrics"
	"github.com/veraproof/backend/internal/ratelimit"
	"github.com/veraproof/backend/internal/session"
	"github.com/veraproof/backend/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type noQuota struct{}

func (noQuota) Consume(ctx context.Context, tenantID string) error { return nil }

type testEnv struct {
	store *session.MemoryStore
	sink  *storage.MemorySink
	srv   *httptest.Server
}

func newTestEnv(t *testing.T, opts Options, maxConcurrent int) *testEnv {
	return newTestEnvWithClassifier(t, opts, maxConcurrent, &forensics.MockClassifier{Latency: 0})
}

func newTestEnvWithClassifier(t *testing.T, opts Options, maxConcurrent int, classifier forensics.Classifier) *testEnv {
	t.Helper()

	store := session.NewMemoryStore()
	sink := storage.NewMemorySink()
	gate := ratelimit.NewGate(ratelimit.NewMemoryWindow(), noQuota{}, maxConcurrent, 1000, testLogger())
	m := metrics.New(prometheus.NewRegistry())

	h := NewHandler(store, gate, sink, fusion.NewAnalyzer(0.85), classifier,
		nil, nil, m, opts, testLogger())

	r := mux.NewRouter()
	r.HandleFunc("/ws/verify/{session_id}", h.ServeWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testEnv{store: store, sink: sink, srv: srv}
}

func (e *testEnv) createSession(t *testing.T, id, tenant string) {
	t.Helper()
	require.NoError(t, e.store.Create(context.Background(), &session.Session{
		ID:        id,
		TenantID:  tenant,
		State:     session.StateIdle,
		ExpiresAt: time.Now().Add(15 * time.Minute),
		CreatedAt: time.Now(),
	}))
}

func (e *testEnv) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/verify/" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(payload, &env))
	return env.Type, env.Payload
}

func sendJSON(t *testing.T, conn *websocket.Conn, typ string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	msg, err := json.Marshal(envelope{Type: typ, Payload: raw})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, msg))
}

func imuBatch(gammas []float64) []map[string]interface{} {
	batch := make([]map[string]interface{}, len(gammas))
	for i, g := range gammas {
		batch[i] = map[string]interface{}{
			"timestamp":    float64(i) * 0.1,
			"rotationRate": map[string]interface{}{"alpha": 0.0, "beta": 0.0, "gamma": g},
		}
	}
	return batch
}

func expectPhase(t *testing.T, conn *websocket.Conn, phase string) {
	t.Helper()
	typ, payload := readEnvelope(t, conn)
	require.Equal(t, msgPhaseChange, typ)
	var p phasePayload
	require.NoError(t, json.Unmarshal(payload, &p))
	assert.Equal(t, phase, p.Phase)
}

func closeCodeOf(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

func TestVerificationHappyPath(t *testing.T) {
	env := newTestEnv(t, Options{
		MinSamples:         10,
		AllowSyntheticFlow: true,
		ClassifierTimeout:  time.Second,
		ExtensionPeriod:    10 * time.Minute,
	}, 10)
	env.createSession(t, "sess-1", "tenant-1")

	conn := env.dial(t, "sess-1")
	expectPhase(t, conn, "baseline")

	gammas := []float64{0.5, 1.2, -0.8, 0.3, -1.5, 2.0, -0.4, 0.9, -1.1, 0.7, 1.8, -0.6}
	sendJSON(t, conn, msgIMUBatch, imuBatch(gammas))

	sendJSON(t, conn, msgPhaseComplete, phasePayload{Phase: "baseline"})
	expectPhase(t, conn, "pan")
	sendJSON(t, conn, msgPhaseComplete, phasePayload{Phase: "pan"})
	expectPhase(t, conn, "return")
	sendJSON(t, conn, msgPhaseComplete, phasePayload{Phase: "return"})

	typ, payload := readEnvelope(t, conn)
	require.Equal(t, msgResult, typ)
	var res resultPayload
	require.NoError(t, json.Unmarshal(payload, &res))

	// Synthetic flow tracks the gyro closely, so tier 1 passes outright.
	assert.Equal(t, "success", res.Status)
	assert.Nil(t, res.Tier2Score)
	assert.GreaterOrEqual(t, res.FinalTrustScore, 85)
	assert.Greater(t, res.CorrelationValue, 0.85)
	assert.Contains(t, res.Reasoning, "No AI forensics required")

	// Server closes normally after the result.
	_, _, err := conn.ReadMessage()
	assert.Equal(t, websocket.CloseNormalClosure, closeCodeOf(err))

	// Session persisted as complete with artifact keys.
	sess, err := env.store.Get(context.Background(), "tenant-1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, session.StateComplete, sess.State)
	require.NotNil(t, sess.TrustScore)
	assert.Equal(t, res.FinalTrustScore, *sess.TrustScore)
	require.NotNil(t, sess.VideoKey)
	assert.Equal(t, "tenant-1/sessions/sess-1/video.webm", *sess.VideoKey)

	_, ok := env.sink.Object("tenant-1/sessions/sess-1/imu_data.json")
	assert.True(t, ok)
	_, ok = env.sink.Object("tenant-1/sessions/sess-1/optical_flow.json")
	assert.True(t, ok)
}

func TestVerificationTriggersTier2OnLowCorrelation(t *testing.T) {
	env := newTestEnv(t, Options{
		MinSamples:         10,
		AllowSyntheticFlow: false,
		ClassifierTimeout:  time.Second,
	}, 10)
	env.createSession(t, "sess-2", "tenant-1")

	conn := env.dial(t, "sess-2")
	expectPhase(t, conn, "baseline")

	// Static frames yield zero flow variance, so correlation is 0 and the
	// deepfake classifier must weigh in.
	frame := encodeTestFrame(t)
	for i := 0; i < 11; i++ {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
	}

	gammas := []float64{0.5, 1.2, -0.8, 0.3, -1.5, 2.0, -0.4, 0.9, -1.1, 0.7, 1.8, -0.6}
	sendJSON(t, conn, msgIMUBatch, imuBatch(gammas))

	sendJSON(t, conn, msgPhaseComplete, phasePayload{Phase: "baseline"})
	expectPhase(t, conn, "pan")
	sendJSON(t, conn, msgPhaseComplete, phasePayload{Phase: "pan"})
	expectPhase(t, conn, "return")
	sendJSON(t, conn, msgPhaseComplete, phasePayload{Phase: "return"})

	typ, payload := readEnvelope(t, conn)
	require.Equal(t, msgResult, typ)
	var res resultPayload
	require.NoError(t, json.Unmarshal(payload, &res))

	require.NotNil(t, res.Tier2Score)
	assert.InDelta(t, 0.0, res.CorrelationValue, 1e-9)
	assert.Equal(t, 45, res.Tier1Score)
	expected := int(float64(res.Tier1Score)*0.6 + float64(*res.Tier2Score)*0.4)
	assert.Equal(t, expected, res.FinalTrustScore)
	assert.Contains(t, res.Reasoning, "weighted 60/40")
}

func TestLowCorrelationWithoutClassifierFallsBackToTier1(t *testing.T) {
	env := newTestEnvWithClassifier(t, Options{
		MinSamples:         10,
		AllowSyntheticFlow: false,
		ClassifierTimeout:  time.Second,
	}, 10, nil)
	env.createSession(t, "sess-nc", "tenant-1")

	conn := env.dial(t, "sess-nc")
	expectPhase(t, conn, "baseline")

	frame := encodeTestFrame(t)
	for i := 0; i < 11; i++ {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
	}
	gammas := []float64{0.5, 1.2, -0.8, 0.3, -1.5, 2.0, -0.4, 0.9, -1.1, 0.7, 1.8, -0.6}
	sendJSON(t, conn, msgIMUBatch, imuBatch(gammas))

	sendJSON(t, conn, msgPhaseComplete, phasePayload{Phase: "baseline"})
	expectPhase(t, conn, "pan")
	sendJSON(t, conn, msgPhaseComplete, phasePayload{Phase: "pan"})
	expectPhase(t, conn, "return")
	sendJSON(t, conn, msgPhaseComplete, phasePayload{Phase: "return"})

	// Tier 2 would fire here, but with no classifier configured the tier-1
	// score must stand alone instead of crashing the session.
	typ, payload := readEnvelope(t, conn)
	require.Equal(t, msgResult, typ)
	var res resultPayload
	require.NoError(t, json.Unmarshal(payload, &res))

	assert.Nil(t, res.Tier2Score)
	assert.Equal(t, 45, res.Tier1Score)
	assert.Equal(t, 45, res.FinalTrustScore)
	assert.Contains(t, res.Reasoning, "No AI forensics required")

	_, _, err := conn.ReadMessage()
	assert.Equal(t, websocket.CloseNormalClosure, closeCodeOf(err))

	sess, err := env.store.Get(context.Background(), "tenant-1", "sess-nc")
	require.NoError(t, err)
	assert.Equal(t, session.StateComplete, sess.State)
	require.NotNil(t, sess.Reasoning)
	assert.Contains(t, *sess.Reasoning, "No AI forensics required")
}

func TestUnknownSessionClosedWithPolicyViolation(t *testing.T) {
	env := newTestEnv(t, Options{MinSamples: 10}, 10)

	conn := env.dial(t, "no-such-session")
	_, _, err := conn.ReadMessage()
	assert.Equal(t, websocket.ClosePolicyViolation, closeCodeOf(err))
}

func TestInsufficientDataFailsSession(t *testing.T) {
	env := newTestEnv(t, Options{MinSamples: 10, AllowSyntheticFlow: true}, 10)
	env.createSession(t, "sess-3", "tenant-1")

	conn := env.dial(t, "sess-3")
	expectPhase(t, conn, "baseline")

	sendJSON(t, conn, msgIMUBatch, imuBatch([]float64{0.5, 1.0, -0.5}))
	sendJSON(t, conn, msgPhaseComplete, phasePayload{Phase: "baseline"})
	expectPhase(t, conn, "pan")
	sendJSON(t, conn, msgPhaseComplete, phasePayload{Phase: "pan"})
	expectPhase(t, conn, "return")
	sendJSON(t, conn, msgPhaseComplete, phasePayload{Phase: "return"})

	typ, payload := readEnvelope(t, conn)
	require.Equal(t, msgError, typ)
	var e errorPayload
	require.NoError(t, json.Unmarshal(payload, &e))
	assert.Contains(t, e.Message, "Insufficient sensor data")

	_, _, err := conn.ReadMessage()
	assert.Equal(t, websocket.CloseInternalServerErr, closeCodeOf(err))
}

func TestConcurrencyLimitRejectsExtraSession(t *testing.T) {
	env := newTestEnv(t, Options{MinSamples: 10}, 1)
	env.createSession(t, "sess-a", "tenant-1")
	env.createSession(t, "sess-b", "tenant-1")

	connA := env.dial(t, "sess-a")
	expectPhase(t, connA, "baseline")

	connB := env.dial(t, "sess-b")
	_, _, err := connB.ReadMessage()
	assert.Equal(t, websocket.ClosePolicyViolation, closeCodeOf(err))
}

func TestExpiredSessionRejected(t *testing.T) {
	env := newTestEnv(t, Options{MinSamples: 10}, 10)
	require.NoError(t, env.store.Create(context.Background(), &session.Session{
		ID:        "sess-old",
		TenantID:  "tenant-1",
		State:     session.StateIdle,
		ExpiresAt: time.Now().Add(-time.Minute),
		CreatedAt: time.Now().Add(-time.Hour),
	}))

	conn := env.dial(t, "sess-old")
	_, _, err := conn.ReadMessage()
	assert.Equal(t, websocket.ClosePolicyViolation, closeCodeOf(err))
}

func encodeTestFrame(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Pix[y*64+x] = uint8((x * 4) % 255)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestSensorWindowSyntheticFlow(t *testing.T) {
	w := NewSensorWindow()
	batch := imuBatch([]float64{1.0, 2.0, 3.0})
	raws := make([]json.RawMessage, len(batch))
	for i, b := range batch {
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		raws[i] = raw
	}
	w.AddIMUBatch(raws)

	flow := w.Flow(true)
	require.Len(t, flow, 3)
	assert.InDelta(t, 1.0*0.9-0.1, flow[0], 1e-9)
	assert.InDelta(t, 2.0*0.9+0.0, flow[1], 1e-9)
	assert.InDelta(t, 3.0*0.9+0.1, flow[2], 1e-9)

	// Disabled fallback returns the (empty) real series.
	assert.Empty(t, w.Flow(false))
}

func TestSensorWindowGammaExtraction(t *testing.T) {
	w := NewSensorWindow()

	samples := []string{
		`{"timestamp": 1, "rotationRate": {"alpha": 0.1, "beta": 0.2, "gamma": 0.7}}`,
		`{"timestamp": 2, "rotation_rate": {"gamma": -0.4}}`,
		`{"timestamp": 3, "rotationRate": {"gamma": 0}}`,
		`{"timestamp": 4, "rotationRate": {"alpha": 0.1}}`,
		`{"timestamp": 5}`,
		`42`,
	}
	raws := make([]json.RawMessage, len(samples))
	for i, s := range samples {
		raws[i] = json.RawMessage(s)
	}
	w.AddIMUBatch(raws)

	assert.Equal(t, []float64{0.7, -0.4}, w.Gyro())

	imuJSON, err := w.IMUJSON()
	require.NoError(t, err)
	assert.True(t, len(imuJSON) > 2)
}

func TestSensorWindowVideoAssembly(t *testing.T) {
	w := NewSensorWindow()
	w.AddVideoChunk([]byte("abc"))
	w.AddVideoChunk([]byte("def"))
	assert.Equal(t, []byte("abcdef"), w.Video())

	w.Clear()
	assert.Empty(t, w.Video())
}
