package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"escrowline/internal/config"
	"escrowline/internal/domain"
	"escrowline/internal/events"
	"escrowline/internal/repo"
)

// EvaluateOptions identify the milestone under evaluation. FreelancerID is
// optional; when empty it is derived from the milestone record. ActorID empty
// means the evaluation is system-triggered.
type EvaluateOptions struct {
	MilestoneID  string
	ProjectID    string
	FreelancerID string
	ActorID      string
}

// Scores are the four independent components behind a decision.
type Scores struct {
	Delivery int `json:"delivery"`
	Behavior int `json:"behavior"`
	Risk     int `json:"risk"`
	History  int `json:"history"`
}

// Evaluation is what the caller acts on. The caller alone executes the fund
// transfer when Action is RELEASE.
type Evaluation struct {
	Action       string   `json:"action"`
	Scores       Scores   `json:"scores"`
	Reasons      []string `json:"reasons"`
	DecisionHash string   `json:"decision_hash"`
	RuleID       string   `json:"rule_id"`
	EventID      string   `json:"event_id"`
	DecisionID   string   `json:"decision_id"`
	EvaluatedAt  string   `json:"evaluated_at"`
}

// Evaluate loads live records, logs the request, scores the milestone and
// appends an immutable decision. The request event is committed before any
// scoring runs so a failed evaluation still leaves a durable trace. A
// per-milestone lock serializes concurrent evaluations of the same milestone
// so duplicates cannot materialize two decisions for one request window.
func (e Engine) Evaluate(ctx context.Context, opts EvaluateOptions) (Evaluation, error) {
	if opts.MilestoneID == "" || opts.ProjectID == "" {
		return Evaluation{}, errors.New("milestone and project required")
	}
	unlock := e.locks.acquire(opts.MilestoneID)
	defer unlock()

	m, err := e.Repo.GetMilestone(ctx, opts.MilestoneID)
	if err != nil {
		return Evaluation{}, fmt.Errorf("%w: milestone %s: %v", ErrDataMissing, opts.MilestoneID, err)
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return Evaluation{}, fmt.Errorf("%w: project %s: %v", ErrDataMissing, opts.ProjectID, err)
	}
	freelancerID := opts.FreelancerID
	if freelancerID == "" {
		freelancerID = m.FreelancerID
	}
	trustScore := 100
	if profile, err := e.Repo.GetProfile(ctx, freelancerID); err == nil {
		trustScore = profile.TrustScore
	} else if !errors.Is(err, repo.ErrNotFound) {
		return Evaluation{}, err
	}

	now := e.now().UTC()
	eventID, err := e.logDecisionRequested(ctx, m, opts.ActorID, now)
	if err != nil {
		return Evaluation{}, err
	}

	policy, err := e.projectPolicy(ctx, p.ID)
	if err != nil {
		return Evaluation{}, err
	}
	scores, reasons := scoreMilestone(m, trustScore, policy, now)
	action, ruleID, reasons := decideAction(scores, policy, reasons)

	ts := now.Format(time.RFC3339)
	hash := DecisionHash(p.ID, m.ID, action, ruleID, scores.Risk, ts)

	ruleVersion := p.RuleVersion
	if ruleVersion == "" {
		ruleVersion = config.BaselineRuleVersion
	}
	state := domain.DecisionState{
		PrevStatus: m.Status,
		NextStatus: statusForAction(action, m.Status),
		Reasons:    reasons,
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return Evaluation{}, fmt.Errorf("marshal decision state: %w", err)
	}
	var actorID *string
	if opts.ActorID != "" {
		actorID = &opts.ActorID
	}
	d := domain.Decision{
		ID:            uuid.New().String(),
		ProjectID:     p.ID,
		MilestoneID:   m.ID,
		Type:          decisionType,
		ActorID:       actorID,
		InputEventIDs: []string{eventID},
		RiskScore:     scores.Risk,
		Confidence:    scores.Delivery,
		Action:        action,
		RuleID:        ruleID,
		RuleVersion:   ruleVersion,
		DecisionHash:  hash,
		IntegrityHash: hash,
		StateJSON:     string(stateJSON),
		TS:            ts,
	}
	// A failed append must reach the caller: a decision without a durable
	// log entry would break the audit invariant.
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Evaluation{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDecision(ctx, tx, d); err != nil {
		return Evaluation{}, fmt.Errorf("append decision: %w", err)
	}
	if _, err := e.events().Append(ctx, tx, "decision.recorded", p.ID, m.ID, opts.ActorID, events.EventPayload{
		"action": action, "rule_id": ruleID, "decision_id": d.ID, "decision_hash": hash,
	}); err != nil {
		return Evaluation{}, err
	}
	if err := tx.Commit(); err != nil {
		return Evaluation{}, err
	}

	return Evaluation{
		Action:       action,
		Scores:       scores,
		Reasons:      reasons,
		DecisionHash: hash,
		RuleID:       ruleID,
		EventID:      eventID,
		DecisionID:   d.ID,
		EvaluatedAt:  ts,
	}, nil
}

// logDecisionRequested commits the request event in its own transaction so
// the trace survives whatever happens afterwards.
func (e Engine) logDecisionRequested(ctx context.Context, m domain.Milestone, actorID string, now time.Time) (string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	payload := events.EventPayload{
		"status":      m.Status,
		"amount":      m.Amount,
		"due_at":      m.DueAt,
		"captured_at": now.Format(time.RFC3339),
	}
	if m.SubmissionRef != nil {
		payload["submission_ref"] = *m.SubmissionRef
	}
	eventID, err := e.events().Append(ctx, tx, "decision.requested", m.ProjectID, m.ID, actorID, payload)
	if err != nil {
		return "", fmt.Errorf("append request event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return eventID, nil
}

func (e Engine) releasePolicy() config.ReleasePolicy {
	if e.Config != nil {
		return e.Config.Release
	}
	return config.Default("").Release
}

// projectPolicy prefers the thresholds stored for the evaluated project. One
// engine serves every project, so the construction-time config is only the
// fallback for projects without a stored document.
func (e Engine) projectPolicy(ctx context.Context, projectID string) (config.ReleasePolicy, error) {
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err == nil {
		return cfg.Release, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return config.ReleasePolicy{}, fmt.Errorf("load project config: %w", err)
	}
	return e.releasePolicy(), nil
}

// ProjectRuleSettings resolves the pure-evaluator thresholds the same way:
// stored project document first, engine config next, baseline last.
func (e Engine) ProjectRuleSettings(ctx context.Context, projectID string) (config.RuleSettings, error) {
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err == nil {
		return cfg.Rules, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return config.RuleSettings{}, fmt.Errorf("load project config: %w", err)
	}
	if e.Config != nil {
		return e.Config.Rules, nil
	}
	return config.Default(projectID).Rules, nil
}

// scoreMilestone computes the four component scores from live records.
func scoreMilestone(m domain.Milestone, trustScore int, policy config.ReleasePolicy, now time.Time) (Scores, []string) {
	var reasons []string

	delivery := 0
	if m.SubmissionRef != nil && len(*m.SubmissionRef) > 5 {
		delivery = 100
	}

	behavior := 100
	if due, err := time.Parse(time.RFC3339, m.DueAt); err == nil && now.After(due) {
		daysLate := int(math.Ceil(now.Sub(due).Hours() / 24))
		behavior -= policy.LatePenaltyPerDay * daysLate
		if behavior < 0 {
			behavior = 0
		}
	}

	risk := 0
	if m.Amount > policy.HighValueAmount {
		risk += 50
		reasons = append(reasons, "high-value transaction; enhanced security checks apply")
	} else {
		risk += 10
	}

	history := trustScore
	if history < policy.LowTrustThreshold {
		risk += 20
		reasons = append(reasons, "freelancer trust score below threshold")
	}

	return Scores{Delivery: delivery, Behavior: behavior, Risk: risk, History: history}, reasons
}

// decideAction applies the ordered thresholds. The high-risk hold pre-empts
// the quality-fail dispute path.
func decideAction(s Scores, policy config.ReleasePolicy, reasons []string) (string, string, []string) {
	switch {
	case s.Delivery >= policy.DeliveryMin && s.Behavior >= policy.BehaviorMin && s.Risk <= policy.RiskMax:
		return "RELEASE", RuleAutoReleasePass, reasons
	case s.Risk >= policy.HoldRiskMin:
		reasons = append(reasons, "risk score too high for automatic release")
		return "HOLD", RuleHighRiskHold, reasons
	case s.Delivery < policy.DisputeDeliveryMax:
		reasons = append(reasons, "no acceptable deliverable on file")
		return "DISPUTE", RuleQualityFail, reasons
	default:
		reasons = append(reasons, "manual review required before release")
		return "HOLD", RuleManualReviewNeeded, reasons
	}
}

// statusForAction maps a decision to the milestone status a downstream
// collaborator would apply. HOLD and PENDING leave the status untouched.
func statusForAction(action, current string) string {
	switch action {
	case "RELEASE":
		return "released"
	case "DISPUTE":
		return "disputed"
	default:
		return current
	}
}

// ApplyDecision performs the status transition a returned action implies.
// It is the downstream step of the caller contract, kept separate from
// Evaluate so that the engine itself never mutates milestone state during
// scoring.
func (e Engine) ApplyDecision(ctx context.Context, milestoneID, action, actorID string) (domain.Milestone, error) {
	m, err := e.Repo.GetMilestone(ctx, milestoneID)
	if err != nil {
		return m, err
	}
	next := statusForAction(action, m.Status)
	if next == m.Status {
		return m, nil
	}
	return e.SetMilestoneStatus(ctx, milestoneID, next, actorID)
}
