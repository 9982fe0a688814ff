package engine

import (
	"testing"
	"time"

	"escrowline/internal/config"
	"escrowline/internal/domain"
)

var testNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func testPolicy() config.ReleasePolicy {
	return config.Default("p").Release
}

func ref(s string) *string { return &s }

func TestDeliveryScore(t *testing.T) {
	m := domain.Milestone{DueAt: testNow.Add(24 * time.Hour).Format(time.RFC3339)}
	s, _ := scoreMilestone(m, 100, testPolicy(), testNow)
	if s.Delivery != 0 {
		t.Fatalf("no submission: delivery = %d, want 0", s.Delivery)
	}

	m.SubmissionRef = ref("ipfs:")
	s, _ = scoreMilestone(m, 100, testPolicy(), testNow)
	if s.Delivery != 0 {
		t.Fatalf("5-char ref: delivery = %d, want 0", s.Delivery)
	}

	m.SubmissionRef = ref("ipfs://bafybeigdyrzt")
	s, _ = scoreMilestone(m, 100, testPolicy(), testNow)
	if s.Delivery != 100 {
		t.Fatalf("real ref: delivery = %d, want 100", s.Delivery)
	}
}

func TestLatePenaltyArithmetic(t *testing.T) {
	// 3 full days late knocks 15 points off.
	m := domain.Milestone{DueAt: testNow.Add(-72 * time.Hour).Format(time.RFC3339)}
	s, _ := scoreMilestone(m, 100, testPolicy(), testNow)
	if s.Behavior != 85 {
		t.Fatalf("3 days late: behavior = %d, want 85", s.Behavior)
	}

	// 25 days late floors at zero instead of going negative.
	m.DueAt = testNow.Add(-25 * 24 * time.Hour).Format(time.RFC3339)
	s, _ = scoreMilestone(m, 100, testPolicy(), testNow)
	if s.Behavior != 0 {
		t.Fatalf("25 days late: behavior = %d, want 0", s.Behavior)
	}

	// A partial day counts as one full day via the ceiling.
	m.DueAt = testNow.Add(-1 * time.Hour).Format(time.RFC3339)
	s, _ = scoreMilestone(m, 100, testPolicy(), testNow)
	if s.Behavior != 95 {
		t.Fatalf("1 hour late: behavior = %d, want 95", s.Behavior)
	}

	// Not yet due keeps the full score.
	m.DueAt = testNow.Add(time.Hour).Format(time.RFC3339)
	s, _ = scoreMilestone(m, 100, testPolicy(), testNow)
	if s.Behavior != 100 {
		t.Fatalf("before due: behavior = %d, want 100", s.Behavior)
	}
}

func TestHighValueFlag(t *testing.T) {
	due := testNow.Add(time.Hour).Format(time.RFC3339)

	m := domain.Milestone{DueAt: due, Amount: 1000.01}
	s, reasons := scoreMilestone(m, 100, testPolicy(), testNow)
	if s.Risk != 50 {
		t.Fatalf("amount 1000.01: risk = %d, want 50", s.Risk)
	}
	if len(reasons) != 1 {
		t.Fatalf("expected a high-value reason, got %v", reasons)
	}

	m.Amount = 999.99
	s, reasons = scoreMilestone(m, 100, testPolicy(), testNow)
	if s.Risk != 10 {
		t.Fatalf("amount 999.99: risk = %d, want 10", s.Risk)
	}
	if len(reasons) != 0 {
		t.Fatalf("expected no reasons, got %v", reasons)
	}
}

func TestLowTrustPenalty(t *testing.T) {
	due := testNow.Add(time.Hour).Format(time.RFC3339)
	m := domain.Milestone{DueAt: due, Amount: 100}

	s, reasons := scoreMilestone(m, 79, testPolicy(), testNow)
	if s.Risk != 30 || s.History != 79 {
		t.Fatalf("trust 79: risk = %d history = %d, want 30/79", s.Risk, s.History)
	}
	if len(reasons) != 1 {
		t.Fatalf("expected low-trust reason, got %v", reasons)
	}

	s, _ = scoreMilestone(m, 80, testPolicy(), testNow)
	if s.Risk != 10 {
		t.Fatalf("trust 80: risk = %d, want 10", s.Risk)
	}
}

func TestHighRiskHoldPreemptsQualityFail(t *testing.T) {
	// With no deliverable and risk at 80 the risk gate must win over the
	// delivery-based dispute path.
	action, ruleID, _ := decideAction(Scores{Delivery: 0, Behavior: 100, Risk: 80, History: 60}, testPolicy(), nil)
	if action != "HOLD" || ruleID != RuleHighRiskHold {
		t.Fatalf("got %s/%s, want HOLD/%s", action, ruleID, RuleHighRiskHold)
	}
}

func TestQualityFailWhenRiskAcceptable(t *testing.T) {
	action, ruleID, reasons := decideAction(Scores{Delivery: 0, Behavior: 100, Risk: 10, History: 95}, testPolicy(), nil)
	if action != "DISPUTE" || ruleID != RuleQualityFail {
		t.Fatalf("got %s/%s, want DISPUTE/%s", action, ruleID, RuleQualityFail)
	}
	if len(reasons) == 0 {
		t.Fatalf("expected an added reason")
	}
}

func TestManualReviewCatchAll(t *testing.T) {
	// Delivery fine, behavior below the release floor, risk moderate.
	action, ruleID, _ := decideAction(Scores{Delivery: 100, Behavior: 60, Risk: 10, History: 95}, testPolicy(), nil)
	if action != "HOLD" || ruleID != RuleManualReviewNeeded {
		t.Fatalf("got %s/%s, want HOLD/%s", action, ruleID, RuleManualReviewNeeded)
	}
}

func TestDecisionHashGolden(t *testing.T) {
	const want = "7cad7c6a645e6ecec72771bc3fec77041f41eb6080fed3c4caa82c78295dfbe1"
	got := DecisionHash("proj-1", "ms-1", "RELEASE", RuleAutoReleasePass, 10, "2026-01-02T03:04:05Z")
	if got != want {
		t.Fatalf("hash = %s, want %s", got, want)
	}
	// Byte-identical across repeated calls.
	if again := DecisionHash("proj-1", "ms-1", "RELEASE", RuleAutoReleasePass, 10, "2026-01-02T03:04:05Z"); again != got {
		t.Fatalf("hash not deterministic: %s vs %s", again, got)
	}
}

func TestVerifyDecisionDetectsEdit(t *testing.T) {
	d := domain.Decision{
		ID:          "d-1",
		ProjectID:   "proj-1",
		MilestoneID: "ms-1",
		Action:      "RELEASE",
		RuleID:      RuleAutoReleasePass,
		RiskScore:   10,
		TS:          "2026-01-02T03:04:05Z",
	}
	d.DecisionHash = DecisionHash(d.ProjectID, d.MilestoneID, d.Action, d.RuleID, d.RiskScore, d.TS)
	d.IntegrityHash = d.DecisionHash
	if v := verifyDecision(d); !v.Valid {
		t.Fatalf("untouched decision should verify: %+v", v)
	}
	d.RiskScore = 0
	if v := verifyDecision(d); v.Valid {
		t.Fatalf("edited risk score should fail verification")
	}
}
