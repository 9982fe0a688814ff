package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"escrowline/internal/domain"
)

// DecisionHash computes the tamper-evidence anchor for a decision: a SHA-256
// digest over a canonical pipe-delimited string. Any party holding the same
// fields and timestamp can recompute it.
func DecisionHash(projectID, milestoneID, action, ruleID string, riskScore int, ts string) string {
	canonical := fmt.Sprintf("%s|%s|%s|%s|%d|%s", projectID, milestoneID, action, ruleID, riskScore, ts)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Verification reports whether a stored decision still matches its hash.
type Verification struct {
	DecisionID   string `json:"decision_id"`
	StoredHash   string `json:"stored_hash"`
	ComputedHash string `json:"computed_hash"`
	Valid        bool   `json:"valid"`
}

// VerifyDecision recomputes the canonical hash for a stored decision row.
// A mismatch means a logged field was edited after the fact.
func (e Engine) VerifyDecision(ctx context.Context, decisionID string) (Verification, error) {
	d, err := e.Repo.GetDecision(ctx, decisionID)
	if err != nil {
		return Verification{}, err
	}
	return verifyDecision(d), nil
}

func verifyDecision(d domain.Decision) Verification {
	computed := DecisionHash(d.ProjectID, d.MilestoneID, d.Action, d.RuleID, d.RiskScore, d.TS)
	return Verification{
		DecisionID:   d.ID,
		StoredHash:   d.DecisionHash,
		ComputedHash: computed,
		Valid:        computed == d.DecisionHash && d.DecisionHash == d.IntegrityHash,
	}
}
