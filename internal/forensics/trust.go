package forensics

import "fmt"

// Verdict bands for the final trust score.
const (
	VerdictHighConfidence     = "verified_high_confidence"
	VerdictModerateConfidence = "verified_moderate_confidence"
	VerdictLowConfidence      = "flagged_low_confidence"
	VerdictFailed             = "failed_fraud_suspected"
)

// TrustResult is the combined outcome of both tiers.
type TrustResult struct {
	FinalScore int    `json:"final_trust_score"`
	Verdict    string `json:"verification_status"`
	Reasoning  string `json:"reasoning"`
}

// Combine produces the final trust score. With no tier-2 score the tier-1
// score stands alone; otherwise the tiers are weighted 60/40.
func Combine(tier1 int, tier2 *int) TrustResult {
	if tier2 == nil {
		return TrustResult{
			FinalScore: tier1,
			Verdict:    verdictFor(tier1),
			Reasoning: fmt.Sprintf(
				"Verification passed Tier 1 sensor fusion analysis. "+
					"Correlation between device motion and video content is strong (score: %d/100). "+
					"No AI forensics required.", tier1),
		}
	}

	final := int(float64(tier1)*0.6 + float64(*tier2)*0.4)
	reasoning := fmt.Sprintf(
		"Combined analysis: Tier 1 sensor fusion score %d/100, "+
			"Tier 2 AI forensics score %d/100. "+
			"Final trust score: %d/100 (weighted 60/40). ", tier1, *tier2, final)

	switch {
	case final >= 85:
		reasoning += "Verification passed with high confidence."
	case final >= 70:
		reasoning += "Verification passed with moderate confidence."
	case final >= 50:
		reasoning += "Verification flagged: low confidence."
	default:
		reasoning += "Verification failed: fraud suspected."
	}

	return TrustResult{
		FinalScore: final,
		Verdict:    verdictFor(final),
		Reasoning:  reasoning,
	}
}

func verdictFor(score int) string {
	switch {
	case score >= 85:
		return VerdictHighConfidence
	case score >= 70:
		return VerdictModerateConfidence
	case score >= 50:
		return VerdictLowConfidence
	default:
		return VerdictFailed
	}
}
