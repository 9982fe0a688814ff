// Package rules holds the pure fund-release policy evaluator. It maps a
// snapshot of decision inputs to exactly one outcome with no side effects,
// so the same inputs always replay to the same decision.
package rules

// Action is the recommended disposition for escrowed milestone funds.
type Action string

const (
	ActionPending Action = "PENDING"
	ActionRelease Action = "RELEASE"
	ActionHold    Action = "HOLD"
	ActionDispute Action = "DISPUTE"
)

// Rule identifiers are stable contract values used for audit and analytics.
const (
	RuleInsufficientFunds  = "R01_INSUFFICIENT_FUNDS"
	RuleActiveDispute      = "R02_ACTIVE_DISPUTE"
	RuleNoWorkBadSentiment = "R03_NO_WORK_BAD_SENTIMENT"
	RuleWaitingDelivery    = "R04_WAITING_DELIVERY"
	RuleSilenceTimeout     = "R05_SILENCE_TIMEOUT"
	RuleBadSentimentCheck  = "R06_BAD_SENTIMENT_CHECK"
	RuleStandardRelease    = "R07_STANDARD_RELEASE"
	RuleUnknownState       = "R99_UNKNOWN_STATE"
)

// Settings are the configurable thresholds consulted by the decision list.
type Settings struct {
	MinSentiment    int     `json:"min_sentiment"`
	AutoReleaseDays float64 `json:"auto_release_days"`
}

// Inputs is a fully-formed snapshot of everything the evaluator looks at.
// Out-of-range values are accepted as-is; they simply flow through the
// comparisons, preserving exact replay behavior.
type Inputs struct {
	ProjectStatus       string   `json:"project_status"`
	WalletBalance       float64  `json:"wallet_balance"`
	BudgetRequired      float64  `json:"budget_required"`
	FileUploaded        bool     `json:"file_uploaded"`
	ClientSentiment     int      `json:"client_sentiment"`
	DisputeActive       bool     `json:"dispute_active"`
	DaysSinceSubmission float64  `json:"days_since_submission"`
	Settings            Settings `json:"settings"`
}

type Outcome struct {
	Action     Action `json:"action"`
	RuleID     string `json:"rule_id"`
	Reason     string `json:"reason"`
	Confidence int    `json:"confidence"`
	Risk       int    `json:"risk"`
}

// fundingTolerance absorbs half-unit rounding drift between the escrow wallet
// balance and the budget figure.
const fundingTolerance = 0.5

// Evaluate walks the ordered decision list; the first matching rule wins.
// It cannot fail for any well-typed input.
func Evaluate(in Inputs) Outcome {
	if in.WalletBalance < in.BudgetRequired-fundingTolerance {
		return Outcome{
			Action:     ActionPending,
			RuleID:     RuleInsufficientFunds,
			Reason:     "escrow wallet does not cover the required budget",
			Confidence: 100,
			Risk:       0,
		}
	}
	if in.DisputeActive {
		return Outcome{
			Action:     ActionDispute,
			RuleID:     RuleActiveDispute,
			Reason:     "an active dispute blocks any release",
			Confidence: 100,
			Risk:       100,
		}
	}
	if !in.FileUploaded {
		if in.ClientSentiment < in.Settings.MinSentiment {
			return Outcome{
				Action:     ActionHold,
				RuleID:     RuleNoWorkBadSentiment,
				Reason:     "no deliverable and client sentiment is below threshold",
				Confidence: 80,
				Risk:       80,
			}
		}
		return Outcome{
			Action:     ActionPending,
			RuleID:     RuleWaitingDelivery,
			Reason:     "waiting for the freelancer to deliver work",
			Confidence: 100,
			Risk:       10,
		}
	}
	if in.DaysSinceSubmission >= in.Settings.AutoReleaseDays {
		return Outcome{
			Action:     ActionRelease,
			RuleID:     RuleSilenceTimeout,
			Reason:     "client silent past the auto-release window",
			Confidence: 95,
			Risk:       5,
		}
	}
	if in.ClientSentiment < in.Settings.MinSentiment {
		return Outcome{
			Action:     ActionHold,
			RuleID:     RuleBadSentimentCheck,
			Reason:     "delivery present but client sentiment is below threshold",
			Confidence: 70,
			Risk:       65,
		}
	}
	if in.FileUploaded {
		return Outcome{
			Action:     ActionRelease,
			RuleID:     RuleStandardRelease,
			Reason:     "delivery present and no blocking signal",
			Confidence: 90,
			Risk:       0,
		}
	}
	// Unreachable under well-formed input, kept as the audit fallback.
	return Outcome{
		Action:     ActionHold,
		RuleID:     RuleUnknownState,
		Reason:     "inputs did not match any known state",
		Confidence: 0,
		Risk:       50,
	}
}
