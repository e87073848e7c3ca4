package verify

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/veraproof/backend/internal/branding"
	"github.com/veraproof/backend/internal/forensics"
	"github.com/veraproof/backend/internal/fusion"
	"github.com/veraproof/backend/internal/metrics"
	"github.com/veraproof/backend/internal/ratelimit"
	"github.com/veraproof/backend/internal/session"
	"github.com/veraproof/backend/internal/storage"
	"github.com/veraproof/backend/internal/webhooks"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	// Video chunks dominate frame size; 1MB covers one chunk comfortably.
	maxMsgSize = 1024 * 1024
	sendBuffer = 64
)

// Options are the verification tunables the handler needs.
type Options struct {
	MinSamples         int
	AllowSyntheticFlow bool
	ClassifierTimeout  time.Duration
	ExtensionPeriod    time.Duration
	RetentionDays      int
}

// Handler upgrades verification WebSocket connections and runs one
// liveSession actor per connected capture client.
type Handler struct {
	store      session.Store
	gate       *ratelimit.Gate
	sink       storage.ArtifactSink
	analyzer   *fusion.Analyzer
	classifier forensics.Classifier
	emitter    webhooks.Emitter
	branding   *branding.Manager
	metrics    *metrics.Metrics
	logger     *slog.Logger
	opts       Options

	upgrader websocket.Upgrader
}

func NewHandler(
	store session.Store,
	gate *ratelimit.Gate,
	sink storage.ArtifactSink,
	analyzer *fusion.Analyzer,
	classifier forensics.Classifier,
	emitter webhooks.Emitter,
	brandingMgr *branding.Manager,
	m *metrics.Metrics,
	opts Options,
	logger *slog.Logger,
) *Handler {
	if opts.MinSamples <= 0 {
		opts.MinSamples = 10
	}
	if opts.ClassifierTimeout <= 0 {
		opts.ClassifierTimeout = 10 * time.Second
	}
	return &Handler{
		store:      store,
		gate:       gate,
		sink:       sink,
		analyzer:   analyzer,
		classifier: classifier,
		emitter:    emitter,
		branding:   brandingMgr,
		metrics:    m,
		logger:     logger,
		opts:       opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Session IDs are unguessable capability tokens; the capture
			// page is served from partner origins we cannot enumerate.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS is the GET /ws/verify/{session_id} endpoint.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	sess, err := h.store.GetByID(r.Context(), sessionID)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			h.logger.Error("session lookup failed", "session_id", sessionID, "error", err)
		}
		closeWith(conn, websocket.ClosePolicyViolation, "session not found")
		return
	}
	if sess.State != session.StateIdle {
		closeWith(conn, websocket.ClosePolicyViolation, "session already started")
		return
	}
	if time.Now().After(sess.ExpiresAt) {
		closeWith(conn, websocket.ClosePolicyViolation, "session expired")
		return
	}

	if err := h.gate.Enter(r.Context(), sess.TenantID); err != nil {
		switch {
		case errors.Is(err, ratelimit.ErrRateLimited):
			h.metrics.RateLimitRejects.WithLabelValues("rate").Inc()
		case errors.Is(err, ratelimit.ErrTooManySessions):
			h.metrics.RateLimitRejects.WithLabelValues("concurrency").Inc()
		case errors.Is(err, ratelimit.ErrQuotaExhausted):
			h.metrics.QuotaRejects.Inc()
		}
		h.logger.Warn("session admission rejected",
			"session_id", sessionID, "tenant_id", sess.TenantID, "error", err)
		closeWith(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}

	// Verification is starting; give the client the full capture window.
	if h.opts.ExtensionPeriod > 0 {
		if err := h.store.ExtendExpiry(r.Context(), sess.TenantID, sess.ID, h.opts.ExtensionPeriod); err != nil {
			h.logger.Warn("expiry extension failed", "session_id", sessionID, "error", err)
		}
	}

	ls := &liveSession{
		h:      h,
		sess:   sess,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		window: NewSensorWindow(),
	}

	h.metrics.ActiveSessions.Inc()
	h.logger.Info("verification session connected",
		"session_id", sess.ID, "tenant_id", sess.TenantID)

	go ls.writePump()
	go ls.readPump()
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}
