// Package session holds the verification session model and its stores.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/veraproof/backend/internal/database"
)

// State is the session lifecycle phase. Transitions only move forward;
// any state may jump to failed.
type State string

const (
	StateIdle      State = "idle"
	StateBaseline  State = "baseline"
	StatePan       State = "pan"
	StateReturn    State = "return"
	StateAnalyzing State = "analyzing"
	StateComplete  State = "complete"
	StateFailed    State = "failed"
)

var transitions = map[State][]State{
	StateIdle:      {StateBaseline, StateFailed},
	StateBaseline:  {StatePan, StateFailed},
	StatePan:       {StateReturn, StateFailed},
	StateReturn:    {StateAnalyzing, StateFailed},
	StateAnalyzing: {StateComplete, StateFailed},
}

// ValidTransition reports whether moving from one state to the next is
// allowed.
func ValidTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	ErrNotFound      = errors.New("session not found")
	ErrBadTransition = errors.New("invalid state transition")
)

type Session struct {
	ID            string           `db:"id" json:"session_id"`
	TenantID      string           `db:"tenant_id" json:"tenant_id"`
	State         State            `db:"state" json:"state"`
	UserReference *string          `db:"user_reference" json:"user_reference,omitempty"`
	Metadata      database.JSONMap `db:"metadata" json:"metadata,omitempty"`
	Tier1Score    *int             `db:"tier1_score" json:"tier_1_score,omitempty"`
	Tier2Score    *int             `db:"tier2_score" json:"tier_2_score,omitempty"`
	TrustScore    *int             `db:"trust_score" json:"final_trust_score,omitempty"`
	Verdict       *string          `db:"verdict" json:"verification_status,omitempty"`
	Reasoning     *string          `db:"reasoning" json:"reasoning,omitempty"`
	Correlation   *float64         `db:"correlation" json:"correlation,omitempty"`
	VideoKey      *string          `db:"video_key" json:"-"`
	IMUKey        *string          `db:"imu_key" json:"-"`
	FlowKey       *string          `db:"flow_key" json:"-"`
	ExpiresAt     time.Time        `db:"expires_at" json:"expires_at"`
	CreatedAt     time.Time        `db:"created_at" json:"created_at"`
	CompletedAt   *time.Time       `db:"completed_at" json:"completed_at,omitempty"`

	// Fallback marks records held only in process memory because the
	// database was unavailable when they were written.
	Fallback bool `db:"-" json:"fallback,omitempty"`
}

// Results is the terminal scoring outcome written atomically with the
// transition to complete.
type Results struct {
	Tier1Score  int
	Tier2Score  *int
	TrustScore  int
	Verdict     string
	Reasoning   string
	Correlation float64
}

// Store persists sessions. Every method is tenant-scoped; Get on another
// tenant's session returns ErrNotFound rather than revealing existence.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, tenantID, id string) (*Session, error)
	// GetByID is the unscoped lookup used when the capture client connects
	// with only a session ID; the record itself yields the tenant.
	GetByID(ctx context.Context, id string) (*Session, error)
	SetState(ctx context.Context, tenantID, id string, to State) error
	ExtendExpiry(ctx context.Context, tenantID, id string, by time.Duration) error
	SetResults(ctx context.Context, tenantID, id string, r Results) error
	SetArtifactKeys(ctx context.Context, tenantID, id, videoKey, imuKey, flowKey string) error
	ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]Session, error)
	ReapExpired(ctx context.Context) (int, error)
}
