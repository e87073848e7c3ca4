package forensics

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTier2ScoreMapping(t *testing.T) {
	cases := []struct {
		name string
		det  Detection
		want int
	}{
		{"confident deepfake", Detection{IsDeepfake: true, Confidence: 0.9}, 9},
		{"uncertain deepfake", Detection{IsDeepfake: true, Confidence: 0.6}, 40},
		{"confident authentic", Detection{IsDeepfake: false, Confidence: 0.9}, 90},
		{"uncertain authentic", Detection{IsDeepfake: false, Confidence: 0.1}, 10},
		// Fractional confidences truncate toward zero, never round up.
		{"fractional authentic truncates", Detection{IsDeepfake: false, Confidence: 0.876}, 87},
		{"fractional deepfake truncates", Detection{IsDeepfake: true, Confidence: 0.125}, 87},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, Tier2Score(&c.det))
		})
	}
}

func TestCombineTier1Only(t *testing.T) {
	res := Combine(92, nil)

	assert.Equal(t, 92, res.FinalScore)
	assert.Equal(t, VerdictHighConfidence, res.Verdict)
	assert.Contains(t, res.Reasoning, "No AI forensics required")
	assert.Contains(t, res.Reasoning, "score: 92/100")
}

func TestCombineWeighted(t *testing.T) {
	tier2 := 50
	res := Combine(70, &tier2)

	// 70*0.6 + 50*0.4 = 62
	assert.Equal(t, 62, res.FinalScore)
	assert.Equal(t, VerdictLowConfidence, res.Verdict)
	assert.Contains(t, res.Reasoning, "weighted 60/40")
	assert.Contains(t, res.Reasoning, "Verification flagged: low confidence.")
}

func TestCombineVerdictBands(t *testing.T) {
	tier2 := 100
	cases := []struct {
		tier1   int
		verdict string
	}{
		{100, VerdictHighConfidence},    // 100
		{60, VerdictModerateConfidence}, // 76
		{20, VerdictLowConfidence},      // 52
		{0, VerdictFailed},              // 40
	}
	for _, c := range cases {
		res := Combine(c.tier1, &tier2)
		assert.Equal(t, c.verdict, res.Verdict, "tier1=%d", c.tier1)
	}
}

func TestMockClassifierDeterministic(t *testing.T) {
	m := &MockClassifier{Latency: 0}

	a, err := m.Classify(context.Background(), "tenant/sessions/abc/video.webm")
	require.NoError(t, err)
	b, err := m.Classify(context.Background(), "tenant/sessions/abc/video.webm")
	require.NoError(t, err)

	assert.Equal(t, a.IsDeepfake, b.IsDeepfake)
	assert.Equal(t, a.Confidence, b.Confidence)
	assert.GreaterOrEqual(t, a.Confidence, 0.05)
	assert.LessOrEqual(t, a.Confidence, 0.95)
}

func TestMockClassifierRespectsCancellation(t *testing.T) {
	m := &MockClassifier{Latency: 5 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Classify(ctx, "video.webm")
	assert.ErrorIs(t, err, ErrClassifierUnavailable)
}

func TestHTTPClassifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Write([]byte(`{"is_deepfake": true, "confidence": 0.88, "processing_time_ms": 1200}`))
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL, time.Second, discardLogger())

	det, err := c.Classify(context.Background(), "video.webm")
	require.NoError(t, err)
	assert.True(t, det.IsDeepfake)
	assert.InDelta(t, 0.88, det.Confidence, 1e-9)
}

func TestHTTPClassifierBreakerOpensAfterFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL, time.Second, discardLogger())

	for i := 0; i < 3; i++ {
		_, err := c.Classify(context.Background(), "video.webm")
		assert.ErrorIs(t, err, ErrClassifierUnavailable)
	}

	// Breaker is open now; the failure is immediate without hitting the
	// server.
	srv.Close()
	_, err := c.Classify(context.Background(), "video.webm")
	assert.ErrorIs(t, err, ErrClassifierUnavailable)
}
