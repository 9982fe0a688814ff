package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"escrowline/internal/config"
	"escrowline/internal/domain"
	"escrowline/internal/events"
	"escrowline/internal/repo"
)

// ErrDataMissing is returned when the milestone or project backing an
// evaluation cannot be loaded. The evaluation aborts before any write.
var ErrDataMissing = errors.New("critical data missing")

// Orchestrator rule identifiers. These name the live-data rule set; the pure
// evaluator in internal/rules carries its own R-prefixed namespace.
const (
	RuleAutoReleasePass    = "RULE_AUTO_RELEASE_PASS"
	RuleHighRiskHold       = "RULE_HIGH_RISK_HOLD"
	RuleQualityFail        = "RULE_QUALITY_FAIL"
	RuleManualReviewNeeded = "RULE_MANUAL_REVIEW_NEEDED"
)

const decisionType = "rule.evaluation"

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	locks *milestoneLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		locks:  newMilestoneLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// events binds the writer to the engine clock, so event-row timestamps come
// from the same source as everything else the engine stamps.
func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	return w
}

// InitProject creates the contract context a milestone belongs to.
func (e Engine) InitProject(ctx context.Context, p domain.Project, actorID string) (domain.Project, error) {
	if p.ID == "" {
		return domain.Project{}, errors.New("project id required")
	}
	if p.ClientID == "" || p.FreelancerID == "" {
		return domain.Project{}, errors.New("client and freelancer required")
	}
	if p.Status == "" {
		p.Status = "active"
	}
	if p.RuleVersion == "" && e.Config != nil {
		p.RuleVersion = e.Config.Rules.Version
	}
	p.CreatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if _, err := e.events().Append(ctx, tx, "project.created", p.ID, "", actorID, events.EventPayload{"status": p.Status, "rule_version": p.RuleVersion}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// MilestoneCreateOptions are parameters for creating a milestone.
type MilestoneCreateOptions struct {
	ID           string
	ProjectID    string
	FreelancerID string
	Title        string
	Amount       float64
	DueAt        string
	ActorID      string
}

func (e Engine) CreateMilestone(ctx context.Context, opts MilestoneCreateOptions) (domain.Milestone, error) {
	if opts.ProjectID == "" {
		return domain.Milestone{}, errors.New("project is required")
	}
	if opts.Title == "" {
		return domain.Milestone{}, errors.New("title is required")
	}
	if opts.Amount < 0 {
		return domain.Milestone{}, errors.New("amount must not be negative")
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if opts.FreelancerID == "" {
		opts.FreelancerID = p.FreelancerID
	}
	if opts.DueAt == "" {
		return domain.Milestone{}, errors.New("due date is required")
	}
	if _, err := time.Parse(time.RFC3339, opts.DueAt); err != nil {
		return domain.Milestone{}, fmt.Errorf("due date: %w", err)
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	m := domain.Milestone{
		ID:           id,
		ProjectID:    opts.ProjectID,
		FreelancerID: opts.FreelancerID,
		Title:        opts.Title,
		Amount:       opts.Amount,
		DueAt:        opts.DueAt,
		Status:       "pending",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMilestone(ctx, tx, m); err != nil {
		return domain.Milestone{}, err
	}
	if _, err := e.events().Append(ctx, tx, "milestone.created", m.ProjectID, m.ID, opts.ActorID, events.EventPayload{
		"title": m.Title, "amount": m.Amount, "due_at": m.DueAt,
	}); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

// ensureMilestoneTransition guards the milestone status machine. pending and
// submitted are non-terminal; released is terminal; disputed can only return
// to submitted when the dispute resolves.
func ensureMilestoneTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "pending":
		if newStatus == "submitted" || newStatus == "disputed" {
			return nil
		}
	case "submitted":
		if newStatus == "approved" || newStatus == "released" || newStatus == "disputed" || newStatus == "submitted" {
			return nil
		}
	case "approved":
		if newStatus == "released" || newStatus == "disputed" {
			return nil
		}
	case "disputed":
		if newStatus == "submitted" || newStatus == "released" {
			return nil
		}
	}
	return fmt.Errorf("invalid milestone status transition %s -> %s", oldStatus, newStatus)
}

// SubmitWork records a deliverable reference and moves the milestone to
// submitted.
func (e Engine) SubmitWork(ctx context.Context, milestoneID, submissionRef, actorID string) (domain.Milestone, error) {
	if submissionRef == "" {
		return domain.Milestone{}, errors.New("submission reference required")
	}
	m, err := e.Repo.GetMilestone(ctx, milestoneID)
	if err != nil {
		return m, err
	}
	if err := ensureMilestoneTransition(m.Status, "submitted"); err != nil {
		return m, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	m.Status = "submitted"
	m.SubmissionRef = &submissionRef
	m.SubmittedAt = &now
	m.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMilestone(ctx, tx, m); err != nil {
		return m, err
	}
	if _, err := e.events().Append(ctx, tx, "milestone.submitted", m.ProjectID, m.ID, actorID, events.EventPayload{
		"submission_ref": submissionRef,
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	return m, nil
}

// SetMilestoneStatus applies a guarded status transition.
func (e Engine) SetMilestoneStatus(ctx context.Context, milestoneID, status, actorID string) (domain.Milestone, error) {
	m, err := e.Repo.GetMilestone(ctx, milestoneID)
	if err != nil {
		return m, err
	}
	if err := ensureMilestoneTransition(m.Status, status); err != nil {
		return m, err
	}
	prev := m.Status
	m.Status = status
	m.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMilestone(ctx, tx, m); err != nil {
		return m, err
	}
	if _, err := e.events().Append(ctx, tx, "milestone.status", m.ProjectID, m.ID, actorID, events.EventPayload{
		"from_status": prev, "to_status": status,
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	return m, nil
}

// OpenDispute flags the milestone as disputed.
func (e Engine) OpenDispute(ctx context.Context, milestoneID, reason, actorID string) (domain.Milestone, error) {
	m, err := e.Repo.GetMilestone(ctx, milestoneID)
	if err != nil {
		return m, err
	}
	if err := ensureMilestoneTransition(m.Status, "disputed"); err != nil {
		return m, err
	}
	m.Status = "disputed"
	m.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMilestone(ctx, tx, m); err != nil {
		return m, err
	}
	if _, err := e.events().Append(ctx, tx, "dispute.opened", m.ProjectID, m.ID, actorID, events.EventPayload{"reason": reason}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	return m, nil
}

// ResolveDispute returns a disputed milestone to submitted.
func (e Engine) ResolveDispute(ctx context.Context, milestoneID, resolution, actorID string) (domain.Milestone, error) {
	m, err := e.Repo.GetMilestone(ctx, milestoneID)
	if err != nil {
		return m, err
	}
	if m.Status != "disputed" {
		return m, errors.New("milestone is not disputed")
	}
	m.Status = "submitted"
	m.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMilestone(ctx, tx, m); err != nil {
		return m, err
	}
	if _, err := e.events().Append(ctx, tx, "dispute.resolved", m.ProjectID, m.ID, actorID, events.EventPayload{"resolution": resolution}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	return m, nil
}

// UpsertProfile stores an externally maintained trust score.
func (e Engine) UpsertProfile(ctx context.Context, freelancerID string, trustScore int, actorID string) (domain.Profile, error) {
	if freelancerID == "" {
		return domain.Profile{}, errors.New("freelancer id required")
	}
	if trustScore < 0 || trustScore > 100 {
		return domain.Profile{}, errors.New("trust score must be within 0-100")
	}
	p := domain.Profile{
		FreelancerID: freelancerID,
		TrustScore:   trustScore,
		UpdatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertProfile(ctx, tx, p); err != nil {
		return p, err
	}
	if _, err := e.events().Append(ctx, tx, "profile.updated", "", "", actorID, events.EventPayload{
		"freelancer_id": freelancerID, "trust_score": trustScore,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}
