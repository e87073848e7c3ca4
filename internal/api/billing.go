package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/veraproof/backend/internal/database"
)

// Plan is one subscription tier.
type Plan struct {
	Name         string `json:"name"`
	PriceCents   int    `json:"price_cents"`
	MonthlyQuota int    `json:"monthly_quota"`
}

// Plans is the fixed tier table, ordered cheapest first.
var Plans = []Plan{
	{Name: "Sandbox", PriceCents: 0, MonthlyQuota: 3},
	{Name: "Starter", PriceCents: 999, MonthlyQuota: 100},
	{Name: "Pro", PriceCents: 4999, MonthlyQuota: 1000},
	{Name: "Enterprise", PriceCents: 19999, MonthlyQuota: 10000},
}

func planByName(name string) (Plan, bool) {
	for _, p := range Plans {
		if p.Name == name {
			return p, true
		}
	}
	return Plan{}, false
}

// PaymentProvider charges a tenant for a plan change. The real integration
// is out of process; MockPaymentProvider stands in everywhere else.
type PaymentProvider interface {
	Charge(ctx context.Context, tenantID string, amountCents int) (paymentID string, err error)
}

// MockPaymentProvider approves every charge and returns a synthetic
// payment ID.
type MockPaymentProvider struct{}

func (MockPaymentProvider) Charge(ctx context.Context, tenantID string, amountCents int) (string, error) {
	return "mockpay_" + uuid.NewString(), nil
}

// Billing handles plan status and upgrades against the tenants table.
type Billing struct {
	db       *database.Client
	payments PaymentProvider
	logger   *slog.Logger
}

func NewBilling(db *database.Client, payments PaymentProvider, logger *slog.Logger) *Billing {
	return &Billing{db: db, payments: payments, logger: logger}
}

type tenantBilling struct {
	ID                string    `db:"id" json:"tenant_id"`
	Name              string    `db:"name" json:"name"`
	Plan              string    `db:"plan" json:"plan"`
	MonthlyQuota      int       `db:"monthly_quota" json:"monthly_quota"`
	CurrentUsage      int       `db:"current_usage" json:"current_usage"`
	BillingCycleStart time.Time `db:"billing_cycle_start" json:"billing_cycle_start"`
	BillingCycleEnd   time.Time `db:"billing_cycle_end" json:"billing_cycle_end"`
}

func (b *Billing) Status(ctx context.Context, tenantID string) (*tenantBilling, error) {
	var t tenantBilling
	err := b.db.DB().GetContext(ctx, &t, `
		SELECT id, name, plan, monthly_quota, current_usage, billing_cycle_start, billing_cycle_end
		FROM tenants WHERE id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant: %w", err)
	}
	return &t, nil
}

// Upgrade charges for the target plan and applies its quota. Usage carries
// over within the billing cycle; only the ceiling moves.
func (b *Billing) Upgrade(ctx context.Context, tenantID, planName string) (*tenantBilling, string, error) {
	plan, ok := planByName(planName)
	if !ok {
		return nil, "", fmt.Errorf("unknown plan %q", planName)
	}

	paymentID := ""
	if plan.PriceCents > 0 {
		var err error
		paymentID, err = b.payments.Charge(ctx, tenantID, plan.PriceCents)
		if err != nil {
			return nil, "", fmt.Errorf("charge failed: %w", err)
		}
	}

	if _, err := b.db.DB().ExecContext(ctx, `
		UPDATE tenants SET plan = $1, monthly_quota = $2 WHERE id = $3`,
		plan.Name, plan.MonthlyQuota, tenantID); err != nil {
		return nil, "", fmt.Errorf("apply plan: %w", err)
	}

	b.logger.Info("plan changed", "tenant_id", tenantID, "plan", plan.Name, "payment_id", paymentID)

	status, err := b.Status(ctx, tenantID)
	return status, paymentID, err
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"plans": Plans})
}

func (s *Server) handleBillingStatus(w http.ResponseWriter, r *http.Request) {
	if s.billing == nil {
		unavailable(w)
		return
	}
	status, err := s.billing.Status(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type upgradeRequest struct {
	Plan string `json:"plan"`
}

func (s *Server) handleUpgradePlan(w http.ResponseWriter, r *http.Request) {
	if s.billing == nil {
		unavailable(w)
		return
	}
	var req upgradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if _, ok := planByName(req.Plan); !ok {
		badRequest(w, "unknown plan")
		return
	}

	status, paymentID, err := s.billing.Upgrade(r.Context(), tenantFrom(r.Context()), req.Plan)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant":     status,
		"payment_id": paymentID,
	})
}
