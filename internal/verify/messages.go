// Package verify runs live verification sessions over WebSocket: it
// collects the video chunk stream and IMU batches, drives the capture
// phases, and performs the two-tier analysis when capture completes.
package verify

import "encoding/json"

// Inbound message types.
const (
	msgIMUBatch      = "imu_batch"
	msgPhaseComplete = "phase_complete"
)

// Outbound message types.
const (
	msgBranding    = "branding"
	msgPhaseChange = "phase_change"
	msgResult      = "result"
	msgError       = "error"
)

// envelope is the JSON frame shared by both directions. Video chunks
// travel as binary frames and never appear here.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// imuSample is one inertial reading from the capture client. The frontend
// sends camelCase; older SDKs send snake_case.
type imuSample struct {
	Timestamp     float64       `json:"timestamp"`
	RotationRate  *rotationRate `json:"rotationRate"`
	RotationSnake *rotationRate `json:"rotation_rate"`
	Acceleration  *acceleration `json:"acceleration"`
}

type rotationRate struct {
	Alpha *float64 `json:"alpha"`
	Beta  *float64 `json:"beta"`
	Gamma *float64 `json:"gamma"`
}

type acceleration struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

// gamma returns the gyro gamma reading, tolerating either field casing.
func (s *imuSample) gamma() (float64, bool) {
	rr := s.RotationRate
	if rr == nil {
		rr = s.RotationSnake
	}
	if rr == nil || rr.Gamma == nil {
		return 0, false
	}
	return *rr.Gamma, true
}

type phasePayload struct {
	Phase string `json:"phase"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// resultPayload is the terminal message sent to the capture client.
type resultPayload struct {
	Status             string  `json:"status"`
	Tier1Score         int     `json:"tier_1_score"`
	Tier2Score         *int    `json:"tier_2_score,omitempty"`
	FinalTrustScore    int     `json:"final_trust_score"`
	VerificationStatus string  `json:"verification_status"`
	CorrelationValue   float64 `json:"correlation_value"`
	Reasoning          string  `json:"reasoning"`
}

func mustEnvelope(typ string, payload interface{}) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("{}")
	}
	out, _ := json.Marshal(envelope{Type: typ, Payload: raw})
	return out
}
