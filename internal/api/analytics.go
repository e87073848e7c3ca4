package api

import (
	"net/http"
	"time"
)

type analyticsStats struct {
	TotalSessions     int      `db:"total_sessions" json:"total_sessions"`
	SessionsToday     int      `db:"sessions_today" json:"sessions_today"`
	SessionsWeek      int      `db:"sessions_week" json:"sessions_week"`
	SessionsMonth     int      `db:"sessions_month" json:"sessions_month"`
	CompletedSessions int      `db:"completed_sessions" json:"completed_sessions"`
	FailedSessions    int      `db:"failed_sessions" json:"failed_sessions"`
	VerifiedHigh      int      `db:"verified_high" json:"verified_high"`
	VerifiedModerate  int      `db:"verified_moderate" json:"verified_moderate"`
	Flagged           int      `db:"flagged" json:"flagged"`
	FraudSuspected    int      `db:"fraud_suspected" json:"fraud_suspected"`
	AvgTrustScore     *float64 `db:"avg_trust_score" json:"avg_trust_score,omitempty"`
	SuccessRate       *float64 `db:"success_rate" json:"success_rate,omitempty"`
	Tier2Rate         *float64 `db:"tier2_rate" json:"tier2_rate,omitempty"`
}

func (s *Server) handleAnalyticsStats(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		unavailable(w)
		return
	}
	tenantID := tenantFrom(r.Context())

	var stats analyticsStats
	err := s.db.DB().GetContext(r.Context(), &stats, `
		SELECT
			count(*) AS total_sessions,
			count(*) FILTER (WHERE created_at > date_trunc('day', now())) AS sessions_today,
			count(*) FILTER (WHERE created_at > now() - interval '7 days') AS sessions_week,
			count(*) FILTER (WHERE created_at > now() - interval '30 days') AS sessions_month,
			count(*) FILTER (WHERE state = 'complete') AS completed_sessions,
			count(*) FILTER (WHERE state = 'failed') AS failed_sessions,
			count(*) FILTER (WHERE verdict = 'verified_high_confidence') AS verified_high,
			count(*) FILTER (WHERE verdict = 'verified_moderate_confidence') AS verified_moderate,
			count(*) FILTER (WHERE verdict = 'flagged_low_confidence') AS flagged,
			count(*) FILTER (WHERE verdict = 'failed_fraud_suspected') AS fraud_suspected,
			avg(trust_score) AS avg_trust_score,
			avg(CASE WHEN state = 'complete' THEN (trust_score >= 50)::int END) AS success_rate,
			avg(CASE WHEN state = 'complete' THEN (tier2_score IS NOT NULL)::int END) AS tier2_rate
		FROM sessions WHERE tenant_id = $1`, tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAnalyticsUsage(w http.ResponseWriter, r *http.Request) {
	if s.billing == nil {
		unavailable(w)
		return
	}
	status, err := s.billing.Status(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}

	pct := 0
	if status.MonthlyQuota > 0 {
		pct = status.CurrentUsage * 100 / status.MonthlyQuota
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"plan":              status.Plan,
		"monthly_quota":     status.MonthlyQuota,
		"current_usage":     status.CurrentUsage,
		"usage_percent":     pct,
		"billing_cycle_end": status.BillingCycleEnd,
	})
}

type trendBucket struct {
	Day       time.Time `db:"day" json:"day"`
	Sessions  int       `db:"sessions" json:"sessions"`
	Completed int       `db:"completed" json:"completed"`
	AvgScore  *float64  `db:"avg_score" json:"avg_score,omitempty"`
}

// handleAnalyticsTrend returns per-day session counts for the dashboard
// chart. Defaults to the last 30 days.
func (s *Server) handleAnalyticsTrend(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		unavailable(w)
		return
	}
	tenantID := tenantFrom(r.Context())
	days := queryInt(r, "days", 30)
	if days < 1 || days > 365 {
		days = 30
	}

	var buckets []trendBucket
	err := s.db.DB().SelectContext(r.Context(), &buckets, `
		SELECT
			date_trunc('day', created_at) AS day,
			count(*) AS sessions,
			count(*) FILTER (WHERE state = 'complete') AS completed,
			avg(trust_score) AS avg_score
		FROM sessions
		WHERE tenant_id = $1 AND created_at > now() - $2 * interval '1 day'
		GROUP BY 1 ORDER BY 1`, tenantID, days)
	if err != nil {
		writeError(w, err)
		return
	}
	if buckets == nil {
		buckets = []trendBucket{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"days":  days,
		"trend": buckets,
	})
}
