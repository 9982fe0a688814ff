package rules

import "testing"

func defaultSettings() Settings {
	return Settings{MinSentiment: 50, AutoReleaseDays: 7}
}

func TestFundingGatePrecedence(t *testing.T) {
	// Underfunded projects stay PENDING regardless of every other signal.
	out := Evaluate(Inputs{
		WalletBalance:       99,
		BudgetRequired:      100,
		FileUploaded:        true,
		ClientSentiment:     100,
		DisputeActive:       true,
		DaysSinceSubmission: 30,
		Settings:            defaultSettings(),
	})
	if out.RuleID != RuleInsufficientFunds || out.Action != ActionPending {
		t.Fatalf("got %s/%s, want %s/PENDING", out.RuleID, out.Action, RuleInsufficientFunds)
	}
	if out.Confidence != 100 || out.Risk != 0 {
		t.Fatalf("unexpected scores: %+v", out)
	}
}

func TestFundingTolerance(t *testing.T) {
	// Within half a unit the gate does not trip.
	out := Evaluate(Inputs{
		WalletBalance:  99.6,
		BudgetRequired: 100,
		Settings:       defaultSettings(),
	})
	if out.RuleID == RuleInsufficientFunds {
		t.Fatalf("tolerance should allow balance 99.6 against budget 100")
	}
}

func TestDisputePrecedence(t *testing.T) {
	out := Evaluate(Inputs{
		WalletBalance:       100,
		BudgetRequired:      100,
		FileUploaded:        true,
		ClientSentiment:     100,
		DisputeActive:       true,
		DaysSinceSubmission: 30,
		Settings:            defaultSettings(),
	})
	if out.RuleID != RuleActiveDispute || out.Action != ActionDispute {
		t.Fatalf("got %s/%s, want %s/DISPUTE", out.RuleID, out.Action, RuleActiveDispute)
	}
	if out.Confidence != 100 || out.Risk != 100 {
		t.Fatalf("unexpected scores: %+v", out)
	}
}

func TestNoDeliveryBranches(t *testing.T) {
	base := Inputs{
		WalletBalance:  500,
		BudgetRequired: 500,
		Settings:       defaultSettings(),
	}

	bad := base
	bad.ClientSentiment = 49
	out := Evaluate(bad)
	if out.RuleID != RuleNoWorkBadSentiment || out.Action != ActionHold || out.Confidence != 80 || out.Risk != 80 {
		t.Fatalf("bad sentiment: %+v", out)
	}

	ok := base
	ok.ClientSentiment = 50
	out = Evaluate(ok)
	if out.RuleID != RuleWaitingDelivery || out.Action != ActionPending || out.Confidence != 100 || out.Risk != 10 {
		t.Fatalf("waiting delivery: %+v", out)
	}
}

func TestSilenceTimeoutBoundary(t *testing.T) {
	in := Inputs{
		WalletBalance:       500,
		BudgetRequired:      500,
		FileUploaded:        true,
		ClientSentiment:     90,
		DaysSinceSubmission: 7,
		Settings:            defaultSettings(),
	}
	out := Evaluate(in)
	if out.RuleID != RuleSilenceTimeout || out.Action != ActionRelease {
		t.Fatalf("exact boundary: got %s, want %s", out.RuleID, RuleSilenceTimeout)
	}
	if out.Confidence != 95 || out.Risk != 5 {
		t.Fatalf("unexpected scores: %+v", out)
	}

	in.DaysSinceSubmission = 6
	out = Evaluate(in)
	if out.RuleID != RuleStandardRelease || out.Action != ActionRelease {
		t.Fatalf("one day under boundary: got %s, want %s", out.RuleID, RuleStandardRelease)
	}
	if out.Confidence != 90 || out.Risk != 0 {
		t.Fatalf("unexpected scores: %+v", out)
	}
}

func TestDeliveredBadSentimentHolds(t *testing.T) {
	out := Evaluate(Inputs{
		WalletBalance:       500,
		BudgetRequired:      500,
		FileUploaded:        true,
		ClientSentiment:     10,
		DaysSinceSubmission: 2,
		Settings:            defaultSettings(),
	})
	if out.RuleID != RuleBadSentimentCheck || out.Action != ActionHold || out.Confidence != 70 || out.Risk != 65 {
		t.Fatalf("bad sentiment check: %+v", out)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	in := Inputs{
		ProjectStatus:       "active",
		WalletBalance:       1234.56,
		BudgetRequired:      1000,
		FileUploaded:        true,
		ClientSentiment:     61,
		DaysSinceSubmission: 3.5,
		Settings:            defaultSettings(),
	}
	first := Evaluate(in)
	for i := 0; i < 10; i++ {
		if got := Evaluate(in); got != first {
			t.Fatalf("call %d diverged: %+v vs %+v", i, got, first)
		}
	}
}

func TestOutOfRangeInputsFlowThrough(t *testing.T) {
	// Negative balances and sentiment above 100 are not clamped.
	out := Evaluate(Inputs{
		WalletBalance:  -5,
		BudgetRequired: 0,
		Settings:       defaultSettings(),
	})
	if out.RuleID != RuleInsufficientFunds {
		t.Fatalf("negative balance should trip the funding gate, got %s", out.RuleID)
	}
	out = Evaluate(Inputs{
		WalletBalance:   100,
		BudgetRequired:  100,
		ClientSentiment: 250,
		Settings:        defaultSettings(),
	})
	if out.RuleID != RuleWaitingDelivery {
		t.Fatalf("sentiment 250 should count as positive, got %s", out.RuleID)
	}
}

func TestEveryOutcomeHasRuleID(t *testing.T) {
	known := map[string]bool{
		RuleInsufficientFunds:  true,
		RuleActiveDispute:      true,
		RuleNoWorkBadSentiment: true,
		RuleWaitingDelivery:    true,
		RuleSilenceTimeout:     true,
		RuleBadSentimentCheck:  true,
		RuleStandardRelease:    true,
		RuleUnknownState:       true,
	}
	cases := []Inputs{
		{WalletBalance: 0, BudgetRequired: 100},
		{WalletBalance: 100, BudgetRequired: 100, DisputeActive: true},
		{WalletBalance: 100, BudgetRequired: 100, ClientSentiment: 10, Settings: defaultSettings()},
		{WalletBalance: 100, BudgetRequired: 100, ClientSentiment: 90, Settings: defaultSettings()},
		{WalletBalance: 100, BudgetRequired: 100, FileUploaded: true, DaysSinceSubmission: 10, Settings: defaultSettings()},
		{WalletBalance: 100, BudgetRequired: 100, FileUploaded: true, ClientSentiment: 10, Settings: defaultSettings()},
		{WalletBalance: 100, BudgetRequired: 100, FileUploaded: true, ClientSentiment: 90, Settings: defaultSettings()},
	}
	for i, in := range cases {
		out := Evaluate(in)
		if out.RuleID == "" || !known[out.RuleID] {
			t.Fatalf("case %d produced unknown rule id %q", i, out.RuleID)
		}
		switch out.Action {
		case ActionPending, ActionRelease, ActionHold, ActionDispute:
		default:
			t.Fatalf("case %d produced unknown action %q", i, out.Action)
		}
		if out.Reason == "" {
			t.Fatalf("case %d produced empty reason", i)
		}
	}
}
