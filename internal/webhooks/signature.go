// Package webhooks delivers verification events to partner endpoints with
// HMAC signatures, bounded retries and per-attempt logging.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA256 of the canonical payload.
const SignatureHeader = "X-VeraProof-Signature"

// Event is the webhook payload for a completed verification.
type Event struct {
	SessionID          string                 `json:"session_id"`
	Tier1Score         int                    `json:"tier_1_score"`
	Tier2Score         *int                   `json:"tier_2_score"`
	FinalTrustScore    int                    `json:"final_trust_score"`
	VerificationStatus string                 `json:"verification_status"`
	Timestamp          time.Time              `json:"timestamp"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`

	// Name is the event type used for endpoint filtering, not part of the
	// signed payload body.
	Name     string `json:"-"`
	TenantID string `json:"-"`
}

// CanonicalJSON renders the event with lexicographically sorted keys so the
// signature is stable regardless of field declaration order.
func CanonicalJSON(e Event) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("canonicalize event: %w", err)
	}
	// Marshalling a map emits keys in sorted order.
	return json.Marshal(m)
}

// SignPayload computes the hex HMAC-SHA256 of body under secret.
func SignPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature in constant time. Exposed for
// partner SDKs and tests.
func VerifySignature(body []byte, secret, signature string) bool {
	expected := SignPayload(body, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
