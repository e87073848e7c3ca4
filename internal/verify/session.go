package verify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veraproof/backend/internal/forensics"
	"github.com/veraproof/backend/internal/fusion"
	"github.com/veraproof/backend/internal/session"
	"github.com/veraproof/backend/internal/storage"
	"github.com/veraproof/backend/internal/webhooks"
)

// liveSession is the per-connection actor. readPump owns all reads and the
// sensor window; writePump owns all writes to the socket.
type liveSession struct {
	h    *Handler
	sess *session.Session
	conn *websocket.Conn

	send chan []byte
	done chan struct{}
	once sync.Once

	// closeFrame is written by writePump when it dequeues the nil
	// sentinel, after all earlier messages have flushed.
	closeFrame []byte

	window *SensorWindow
}

// close tears the session down exactly once: releases the concurrency
// slot, drops buffered capture data, closes the socket.
func (ls *liveSession) close() {
	ls.once.Do(func() {
		close(ls.done)
		ls.h.gate.Leave(ls.sess.TenantID)
		ls.h.metrics.ActiveSessions.Dec()
		ls.window.Clear()
		ls.conn.Close()
		ls.h.logger.Info("verification session disconnected", "session_id", ls.sess.ID)
	})
}

func (ls *liveSession) enqueue(msg []byte) {
	select {
	case ls.send <- msg:
	default:
		ls.h.logger.Warn("send buffer full, dropping message", "session_id", ls.sess.ID)
	}
}

// closeCode queues a close frame behind any pending messages and waits for
// writePump to flush before tearing down. Called from the read loop only.
func (ls *liveSession) closeCode(code int, reason string) {
	ls.closeFrame = websocket.FormatCloseMessage(code, reason)
	select {
	case ls.send <- nil: // sentinel: write closeFrame and stop
	default:
	}
	select {
	case <-ls.done:
	case <-time.After(writeWait):
	}
	ls.close()
}

func (ls *liveSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ls.close()
	}()

	for {
		select {
		case msg, ok := <-ls.send:
			ls.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ls.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if msg == nil {
				ls.conn.WriteMessage(websocket.CloseMessage, ls.closeFrame)
				return
			}
			if err := ls.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				ls.h.logger.Warn("websocket write failed", "session_id", ls.sess.ID, "error", err)
				return
			}
		case <-ticker.C:
			ls.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ls.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ls.done:
			return
		}
	}
}

func (ls *liveSession) readPump() {
	defer ls.close()

	ls.conn.SetReadLimit(maxMsgSize)
	ls.conn.SetReadDeadline(time.Now().Add(pongWait))
	ls.conn.SetPongHandler(func(string) error {
		ls.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ls.sendBranding()
	ls.advancePhase("baseline")

	for {
		msgType, payload, err := ls.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				ls.h.logger.Warn("websocket read failed", "session_id", ls.sess.ID, "error", err)
			}
			return
		}

		if msgType == websocket.BinaryMessage {
			ls.window.AddVideoChunk(payload)
			continue
		}

		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			ls.h.logger.Warn("invalid message", "session_id", ls.sess.ID, "error", err)
			continue
		}

		switch env.Type {
		case msgIMUBatch:
			var batch []json.RawMessage
			if err := json.Unmarshal(env.Payload, &batch); err != nil || len(batch) == 0 {
				continue
			}
			ls.window.AddIMUBatch(batch)

		case msgPhaseComplete:
			var p phasePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			switch p.Phase {
			case "baseline":
				ls.advancePhase("pan")
			case "pan":
				ls.advancePhase("return")
			case "return":
				if done := ls.runAnalysis(); done {
					return
				}
			default:
				ls.h.logger.Warn("unknown phase", "session_id", ls.sess.ID, "phase", p.Phase)
			}

		default:
			ls.h.logger.Warn("unknown message type", "session_id", ls.sess.ID, "type", env.Type)
		}
	}
}

func (ls *liveSession) sendBranding() {
	if ls.h.branding == nil {
		return
	}
	cfg, err := ls.h.branding.Get(context.Background(), ls.sess.TenantID)
	if err != nil {
		ls.h.logger.Warn("branding lookup failed", "tenant_id", ls.sess.TenantID, "error", err)
		return
	}
	ls.enqueue(mustEnvelope(msgBranding, cfg))
}

// advancePhase notifies the client and records the state transition.
func (ls *liveSession) advancePhase(phase string) {
	ls.enqueue(mustEnvelope(msgPhaseChange, phasePayload{Phase: phase}))

	var to session.State
	switch phase {
	case "baseline":
		to = session.StateBaseline
	case "pan":
		to = session.StatePan
	case "return":
		to = session.StateReturn
	default:
		return
	}
	if err := ls.h.store.SetState(context.Background(), ls.sess.TenantID, ls.sess.ID, to); err != nil {
		ls.h.logger.Warn("state transition failed",
			"session_id", ls.sess.ID, "to", string(to), "error", err)
	}
}

// runAnalysis performs the full scoring pipeline after capture ends.
// Returns true when the session terminated (socket closed).
func (ls *liveSession) runAnalysis() bool {
	ctx := context.Background()
	start := time.Now()

	if err := ls.h.store.SetState(ctx, ls.sess.TenantID, ls.sess.ID, session.StateAnalyzing); err != nil {
		ls.h.logger.Error("analyzing transition failed", "session_id", ls.sess.ID, "error", err)
		ls.fail("Verification failed: session state error")
		return true
	}

	videoKey, imuKey, flowKey := ls.persistArtifacts(ctx)

	gyro := ls.window.Gyro()
	flow := ls.window.Flow(ls.h.opts.AllowSyntheticFlow)
	if len(gyro) < ls.h.opts.MinSamples || len(flow) < ls.h.opts.MinSamples {
		ls.h.logger.Warn("insufficient sensor data",
			"session_id", ls.sess.ID, "gyro", len(gyro), "flow", len(flow))
		ls.enqueue(mustEnvelope(msgError, errorPayload{Message: "Insufficient sensor data collected"}))
		ls.closeCode(websocket.CloseInternalServerErr, "insufficient data")
		return true
	}

	t1, err := ls.h.analyzer.Analyze(gyro, flow)
	if err != nil {
		if errors.Is(err, fusion.ErrInsufficientData) {
			ls.enqueue(mustEnvelope(msgError, errorPayload{Message: "Insufficient sensor data collected"}))
		} else {
			ls.h.logger.Error("fusion analysis failed", "session_id", ls.sess.ID, "error", err)
			ls.enqueue(mustEnvelope(msgError, errorPayload{Message: "Verification failed: analysis error"}))
		}
		ls.closeCode(websocket.CloseInternalServerErr, "analysis failed")
		return true
	}
	ls.h.metrics.Tier1Score.Observe(float64(t1.Score))

	var tier2 *int
	if t1.TriggerTier2 {
		tier2 = ls.runTier2(ctx, videoKey)
	}

	trust := forensics.Combine(t1.Score, tier2)

	results := session.Results{
		Tier1Score:  t1.Score,
		Tier2Score:  tier2,
		TrustScore:  trust.FinalScore,
		Verdict:     trust.Verdict,
		Reasoning:   trust.Reasoning,
		Correlation: t1.Correlation,
	}
	if err := ls.h.store.SetResults(ctx, ls.sess.TenantID, ls.sess.ID, results); err != nil {
		ls.h.logger.Error("result persist failed", "session_id", ls.sess.ID, "error", err)
		ls.fail("Verification failed: could not store results")
		return true
	}

	status := "success"
	if trust.FinalScore < 50 {
		status = "failed"
	}
	ls.enqueue(mustEnvelope(msgResult, resultPayload{
		Status:             status,
		Tier1Score:         t1.Score,
		Tier2Score:         tier2,
		FinalTrustScore:    trust.FinalScore,
		VerificationStatus: trust.Verdict,
		CorrelationValue:   t1.Correlation,
		Reasoning:          trust.Reasoning,
	}))

	ls.h.metrics.SessionsCompleted.WithLabelValues(trust.Verdict).Inc()
	ls.h.metrics.VerificationTime.Observe(time.Since(start).Seconds())

	if ls.h.emitter != nil {
		ls.h.emitter.Emit(ctx, webhooks.Event{
			SessionID:          ls.sess.ID,
			Tier1Score:         t1.Score,
			Tier2Score:         tier2,
			FinalTrustScore:    trust.FinalScore,
			VerificationStatus: trust.Verdict,
			Timestamp:          time.Now().UTC(),
			Metadata:           ls.sess.Metadata,
			Name:               "verification.complete",
			TenantID:           ls.sess.TenantID,
		})
	}

	ls.h.logger.Info("verification complete",
		"session_id", ls.sess.ID,
		"tier1", t1.Score,
		"trust_score", trust.FinalScore,
		"verdict", trust.Verdict,
		"correlation", t1.Correlation,
		"video_key", videoKey, "imu_key", imuKey, "flow_key", flowKey)

	ls.closeCode(websocket.CloseNormalClosure, "verification complete")
	return true
}

// persistArtifacts uploads the capture data and records the keys. Failures
// degrade to synthetic keys; the verification outcome never blocks on the
// artifact path.
func (ls *liveSession) persistArtifacts(ctx context.Context) (videoKey, imuKey, flowKey string) {
	tenantID, sessionID := ls.sess.TenantID, ls.sess.ID

	var err error
	videoKey, err = ls.h.sink.PutVideo(ctx, tenantID, sessionID, ls.window.Video())
	ls.countUpload(videoKey, err)

	imuData, _ := ls.window.IMUJSON()
	imuKey, err = ls.h.sink.PutIMU(ctx, tenantID, sessionID, imuData)
	ls.countUpload(imuKey, err)

	flowData, _ := ls.window.FlowJSON(ls.h.opts.AllowSyntheticFlow)
	flowKey, err = ls.h.sink.PutFlow(ctx, tenantID, sessionID, flowData)
	ls.countUpload(flowKey, err)

	if err := ls.h.store.SetArtifactKeys(ctx, tenantID, sessionID, videoKey, imuKey, flowKey); err != nil {
		ls.h.logger.Warn("artifact key store failed", "session_id", sessionID, "error", err)
	}

	if ls.h.opts.RetentionDays > 0 {
		for _, key := range []string{videoKey, imuKey, flowKey} {
			if key == "" || storage.IsDegraded(key) {
				continue
			}
			if err := ls.h.sink.ScheduleDelete(ctx, key, ls.h.opts.RetentionDays); err != nil {
				ls.h.logger.Warn("retention scheduling failed", "key", key, "error", err)
			}
		}
	}
	return videoKey, imuKey, flowKey
}

func (ls *liveSession) countUpload(key string, err error) {
	switch {
	case err != nil:
		ls.h.metrics.ArtifactUploads.WithLabelValues("error").Inc()
	case storage.IsDegraded(key):
		ls.h.metrics.ArtifactUploads.WithLabelValues("degraded").Inc()
	default:
		ls.h.metrics.ArtifactUploads.WithLabelValues("ok").Inc()
	}
}

// runTier2 invokes the deepfake classifier under its timeout. A missing or
// failing classifier degrades to a tier-1-only verdict rather than blocking
// the session.
func (ls *liveSession) runTier2(ctx context.Context, videoKey string) *int {
	if ls.h.classifier == nil {
		ls.h.logger.Warn("no classifier configured, using tier-1 only",
			"session_id", ls.sess.ID)
		return nil
	}
	ls.h.metrics.Tier2Invocations.Inc()

	cctx, cancel := context.WithTimeout(ctx, ls.h.opts.ClassifierTimeout)
	defer cancel()

	det, err := ls.h.classifier.Classify(cctx, videoKey)
	if err != nil {
		ls.h.metrics.ClassifierFailures.Inc()
		ls.h.logger.Warn("classifier unavailable, using tier-1 only",
			"session_id", ls.sess.ID, "error", err)
		return nil
	}
	score := forensics.Tier2Score(det)
	return &score
}

func (ls *liveSession) fail(msg string) {
	ls.enqueue(mustEnvelope(msgError, errorPayload{Message: msg}))
	ls.closeCode(websocket.CloseInternalServerErr, "verification failed")
}
