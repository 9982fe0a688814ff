package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/migrate"
)

var frozenNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return frozenNow }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, domain.Project{
		ID:           "proj-1",
		ClientID:     "client-1",
		FreelancerID: "freelancer-1",
		EscrowAmount: 10000,
		Budget:       10000,
	}, "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func createMilestone(t *testing.T, env testEnv, amount float64, dueAt time.Time) domain.Milestone {
	t.Helper()
	m, err := env.Engine.CreateMilestone(env.Ctx, engine.MilestoneCreateOptions{
		ProjectID: "proj-1",
		Title:     "build the thing",
		Amount:    amount,
		DueAt:     dueAt.Format(time.RFC3339),
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create milestone: %v", err)
	}
	return m
}

func setTrust(t *testing.T, env testEnv, freelancerID string, score int) {
	t.Helper()
	if _, err := env.Engine.UpsertProfile(env.Ctx, freelancerID, score, "tester"); err != nil {
		t.Fatalf("upsert profile: %v", err)
	}
}

func TestEvaluateAutoRelease(t *testing.T) {
	env := newTestEnv(t)
	m := createMilestone(t, env, 500, frozenNow.Add(48*time.Hour))
	setTrust(t, env, "freelancer-1", 95)
	if _, err := env.Engine.SubmitWork(env.Ctx, m.ID, "https://repo.example/pull/42", "freelancer-1"); err != nil {
		t.Fatalf("submit work: %v", err)
	}

	ev, err := env.Engine.Evaluate(env.Ctx, engine.EvaluateOptions{MilestoneID: m.ID, ProjectID: "proj-1", ActorID: "tester"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	want := engine.Scores{Delivery: 100, Behavior: 100, Risk: 10, History: 95}
	if ev.Scores != want {
		t.Fatalf("scores = %+v, want %+v", ev.Scores, want)
	}
	if ev.Action != "RELEASE" || ev.RuleID != engine.RuleAutoReleasePass {
		t.Fatalf("got %s/%s, want RELEASE/%s", ev.Action, ev.RuleID, engine.RuleAutoReleasePass)
	}
	if ev.DecisionHash == "" || ev.EventID == "" || ev.DecisionID == "" {
		t.Fatalf("incomplete evaluation: %+v", ev)
	}

	// The stored decision cites the request event and reuses the delivery
	// score as confidence.
	d, err := env.Engine.Repo.GetDecision(env.Ctx, ev.DecisionID)
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	if len(d.InputEventIDs) != 1 || d.InputEventIDs[0] != ev.EventID {
		t.Fatalf("decision cites %v, want [%s]", d.InputEventIDs, ev.EventID)
	}
	if d.Confidence != 100 || d.RiskScore != 10 {
		t.Fatalf("confidence/risk = %d/%d, want 100/10", d.Confidence, d.RiskScore)
	}
	if d.DecisionHash != d.IntegrityHash {
		t.Fatalf("hash fields must match")
	}
	if d.RuleVersion != config.BaselineRuleVersion {
		t.Fatalf("rule version = %s, want %s", d.RuleVersion, config.BaselineRuleVersion)
	}
}

func TestEvaluateHighRiskHold(t *testing.T) {
	env := newTestEnv(t)
	// No submission, 10 days past due, low trust, high value:
	// risk = 50 + 20 = 70, so the risk gate pre-empts the dispute path.
	m := createMilestone(t, env, 2000, frozenNow.Add(-10*24*time.Hour))
	setTrust(t, env, "freelancer-1", 60)

	ev, err := env.Engine.Evaluate(env.Ctx, engine.EvaluateOptions{MilestoneID: m.ID, ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if ev.Action != "HOLD" || ev.RuleID != engine.RuleHighRiskHold {
		t.Fatalf("got %s/%s, want HOLD/%s", ev.Action, ev.RuleID, engine.RuleHighRiskHold)
	}
	if ev.Scores.Risk != 70 {
		t.Fatalf("risk = %d, want 70", ev.Scores.Risk)
	}
	if ev.Scores.Behavior != 50 {
		t.Fatalf("behavior = %d, want 50 after 10 days late", ev.Scores.Behavior)
	}
	if ev.Scores.Delivery != 0 || ev.Scores.History != 60 {
		t.Fatalf("unexpected scores: %+v", ev.Scores)
	}
	if len(ev.Reasons) == 0 {
		t.Fatalf("expected accumulated reasons")
	}
}

func TestEvaluateQualityFail(t *testing.T) {
	env := newTestEnv(t)
	m := createMilestone(t, env, 500, frozenNow.Add(24*time.Hour))
	setTrust(t, env, "freelancer-1", 95)

	ev, err := env.Engine.Evaluate(env.Ctx, engine.EvaluateOptions{MilestoneID: m.ID, ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if ev.Action != "DISPUTE" || ev.RuleID != engine.RuleQualityFail {
		t.Fatalf("got %s/%s, want DISPUTE/%s", ev.Action, ev.RuleID, engine.RuleQualityFail)
	}
	if ev.Scores.Delivery != 0 {
		t.Fatalf("delivery = %d, want 0", ev.Scores.Delivery)
	}
}

func TestEvaluateUnknownFreelancerDefaultsTrust(t *testing.T) {
	env := newTestEnv(t)
	m := createMilestone(t, env, 500, frozenNow.Add(24*time.Hour))
	if _, err := env.Engine.SubmitWork(env.Ctx, m.ID, "https://repo.example/pull/7", "freelancer-1"); err != nil {
		t.Fatalf("submit work: %v", err)
	}

	ev, err := env.Engine.Evaluate(env.Ctx, engine.EvaluateOptions{MilestoneID: m.ID, ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if ev.Scores.History != 100 {
		t.Fatalf("history = %d, want default 100", ev.Scores.History)
	}
	if ev.Action != "RELEASE" {
		t.Fatalf("action = %s, want RELEASE", ev.Action)
	}
}

func TestEvaluateUsesStoredProjectPolicy(t *testing.T) {
	env := newTestEnv(t)
	// The engine was built with proj-1's config; proj-2 stores its own,
	// stricter policy, which must win for proj-2 milestones.
	if _, err := env.Engine.InitProject(env.Ctx, domain.Project{
		ID:           "proj-2",
		ClientID:     "client-2",
		FreelancerID: "freelancer-2",
		EscrowAmount: 10000,
		Budget:       10000,
	}, "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	strict := config.Default("proj-2")
	strict.Release.HighValueAmount = 100
	if err := env.Engine.Repo.UpsertProjectConfig(env.Ctx, "proj-2", strict); err != nil {
		t.Fatalf("store policy: %v", err)
	}
	m, err := env.Engine.CreateMilestone(env.Ctx, engine.MilestoneCreateOptions{
		ProjectID: "proj-2",
		Title:     "build the thing",
		Amount:    500,
		DueAt:     frozenNow.Add(48 * time.Hour).Format(time.RFC3339),
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create milestone: %v", err)
	}
	if _, err := env.Engine.SubmitWork(env.Ctx, m.ID, "https://repo.example/pull/11", "freelancer-2"); err != nil {
		t.Fatalf("submit work: %v", err)
	}

	ev, err := env.Engine.Evaluate(env.Ctx, engine.EvaluateOptions{MilestoneID: m.ID, ProjectID: "proj-2"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	// Under proj-2's policy a 500 milestone is high value: risk 50 blocks
	// the auto-release gate even with perfect delivery and behavior.
	if ev.Scores.Risk != 50 {
		t.Fatalf("risk = %d, want 50 under the stored policy", ev.Scores.Risk)
	}
	if ev.Action != "HOLD" || ev.RuleID != engine.RuleManualReviewNeeded {
		t.Fatalf("got %s/%s, want HOLD/%s", ev.Action, ev.RuleID, engine.RuleManualReviewNeeded)
	}
}

func TestEventRowsUseEngineClock(t *testing.T) {
	env := newTestEnv(t)
	m := createMilestone(t, env, 500, frozenNow.Add(24*time.Hour))
	if _, err := env.Engine.SubmitWork(env.Ctx, m.ID, "https://repo.example/pull/12", "freelancer-1"); err != nil {
		t.Fatalf("submit work: %v", err)
	}
	evs, err := env.Engine.Repo.LatestEvents(env.Ctx, 5, "proj-1", "milestone.submitted", m.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("event count = %d, want 1", len(evs))
	}
	if want := frozenNow.Format(time.RFC3339); evs[0].TS != want {
		t.Fatalf("event ts = %s, want %s from the injected clock", evs[0].TS, want)
	}
}

func TestEvaluateMissingRecordsFailFast(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Evaluate(env.Ctx, engine.EvaluateOptions{MilestoneID: "nope", ProjectID: "proj-1"})
	if !errors.Is(err, engine.ErrDataMissing) {
		t.Fatalf("missing milestone: got %v, want ErrDataMissing", err)
	}
	// No trace may be written when the load itself fails.
	evs, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, "", "decision.requested", "")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evs) != 0 {
		t.Fatalf("expected no request events, got %d", len(evs))
	}

	m := createMilestone(t, env, 100, frozenNow.Add(24*time.Hour))
	_, err = env.Engine.Evaluate(env.Ctx, engine.EvaluateOptions{MilestoneID: m.ID, ProjectID: "ghost"})
	if !errors.Is(err, engine.ErrDataMissing) {
		t.Fatalf("missing project: got %v, want ErrDataMissing", err)
	}
}

func TestRequestEventSurvivesDecisionWriteFailure(t *testing.T) {
	env := newTestEnv(t)
	m := createMilestone(t, env, 500, frozenNow.Add(24*time.Hour))

	// Sabotage the decision log; the request event must still land.
	if _, err := env.Engine.DB.Exec(`DROP TABLE decisions`); err != nil {
		t.Fatalf("drop decisions: %v", err)
	}
	_, err := env.Engine.Evaluate(env.Ctx, engine.EvaluateOptions{MilestoneID: m.ID, ProjectID: "proj-1"})
	if err == nil {
		t.Fatalf("expected decision append failure")
	}
	evs, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, "proj-1", "decision.requested", m.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("request event count = %d, want 1", len(evs))
	}
}

func TestEvaluateHashAndStateSnapshot(t *testing.T) {
	env := newTestEnv(t)
	m := createMilestone(t, env, 500, frozenNow.Add(24*time.Hour))
	setTrust(t, env, "freelancer-1", 95)
	if _, err := env.Engine.SubmitWork(env.Ctx, m.ID, "https://repo.example/pull/9", "freelancer-1"); err != nil {
		t.Fatalf("submit work: %v", err)
	}

	ev, err := env.Engine.Evaluate(env.Ctx, engine.EvaluateOptions{MilestoneID: m.ID, ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	wantHash := engine.DecisionHash("proj-1", m.ID, ev.Action, ev.RuleID, ev.Scores.Risk, ev.EvaluatedAt)
	if ev.DecisionHash != wantHash {
		t.Fatalf("hash = %s, recomputed %s", ev.DecisionHash, wantHash)
	}

	v, err := env.Engine.VerifyDecision(env.Ctx, ev.DecisionID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !v.Valid {
		t.Fatalf("fresh decision should verify: %+v", v)
	}

	d, err := env.Engine.Repo.GetDecision(env.Ctx, ev.DecisionID)
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	var state domain.DecisionState
	if err := json.Unmarshal([]byte(d.StateJSON), &state); err != nil {
		t.Fatalf("state snapshot: %v", err)
	}
	if state.PrevStatus != "submitted" || state.NextStatus != "released" {
		t.Fatalf("state = %+v", state)
	}

	// Editing a logged field must be detectable afterwards.
	if _, err := env.Engine.DB.Exec(`UPDATE decisions SET risk_score=0 WHERE id=?`, ev.DecisionID); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	v, err = env.Engine.VerifyDecision(env.Ctx, ev.DecisionID)
	if err != nil {
		t.Fatalf("verify after tamper: %v", err)
	}
	if v.Valid {
		t.Fatalf("tampered decision should fail verification")
	}
}

func TestApplyDecisionTransitions(t *testing.T) {
	env := newTestEnv(t)
	m := createMilestone(t, env, 500, frozenNow.Add(24*time.Hour))
	if _, err := env.Engine.SubmitWork(env.Ctx, m.ID, "https://repo.example/pull/3", "freelancer-1"); err != nil {
		t.Fatalf("submit work: %v", err)
	}

	got, err := env.Engine.ApplyDecision(env.Ctx, m.ID, "HOLD", "tester")
	if err != nil || got.Status != "submitted" {
		t.Fatalf("HOLD should leave status: %v %s", err, got.Status)
	}
	got, err = env.Engine.ApplyDecision(env.Ctx, m.ID, "RELEASE", "tester")
	if err != nil || got.Status != "released" {
		t.Fatalf("RELEASE should transition: %v %s", err, got.Status)
	}
	// released is terminal for the engine
	if _, err := env.Engine.SubmitWork(env.Ctx, m.ID, "https://repo.example/pull/4", "freelancer-1"); err == nil {
		t.Fatalf("expected transition error out of released")
	}
}

func TestDisputeLifecycle(t *testing.T) {
	env := newTestEnv(t)
	m := createMilestone(t, env, 500, frozenNow.Add(24*time.Hour))
	if _, err := env.Engine.SubmitWork(env.Ctx, m.ID, "https://repo.example/pull/5", "freelancer-1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	d, err := env.Engine.OpenDispute(env.Ctx, m.ID, "deliverable incomplete", "client-1")
	if err != nil || d.Status != "disputed" {
		t.Fatalf("open dispute: %v %s", err, d.Status)
	}
	if _, err := env.Engine.OpenDispute(env.Ctx, m.ID, "again", "client-1"); err == nil {
		t.Fatalf("expected double dispute to fail")
	}
	d, err = env.Engine.ResolveDispute(env.Ctx, m.ID, "rework accepted", "client-1")
	if err != nil || d.Status != "submitted" {
		t.Fatalf("resolve dispute: %v %s", err, d.Status)
	}
}

func TestConcurrentEvaluationsSameMilestone(t *testing.T) {
	env := newTestEnv(t)
	m := createMilestone(t, env, 500, frozenNow.Add(24*time.Hour))
	if _, err := env.Engine.SubmitWork(env.Ctx, m.ID, "https://repo.example/pull/6", "freelancer-1"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := env.Engine.Evaluate(env.Ctx, engine.EvaluateOptions{MilestoneID: m.ID, ProjectID: "proj-1"})
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent evaluate: %v", err)
		}
	}
	// Each invocation still appends its own audit pair; the lock only
	// serializes them.
	ds, err := env.Engine.Repo.ListDecisions(env.Ctx, m.ID, 50)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(ds) != n {
		t.Fatalf("decisions = %d, want %d", len(ds), n)
	}
}

func TestEvaluateDerivesFreelancerFromMilestone(t *testing.T) {
	env := newTestEnv(t)
	m := createMilestone(t, env, 500, frozenNow.Add(24*time.Hour))
	setTrust(t, env, "freelancer-1", 40)

	ev, err := env.Engine.Evaluate(env.Ctx, engine.EvaluateOptions{MilestoneID: m.ID, ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if ev.Scores.History != 40 {
		t.Fatalf("history = %d, want milestone freelancer's trust 40", ev.Scores.History)
	}
	found := false
	for _, r := range ev.Reasons {
		if strings.Contains(r, "trust") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected low-trust reason in %v", ev.Reasons)
	}
}

func TestMilestoneTransitionGuards(t *testing.T) {
	env := newTestEnv(t)
	m := createMilestone(t, env, 500, frozenNow.Add(24*time.Hour))
	if _, err := env.Engine.SetMilestoneStatus(env.Ctx, m.ID, "released", "tester"); err == nil {
		t.Fatalf("pending -> released must be rejected")
	}
	if _, err := env.Engine.SetMilestoneStatus(env.Ctx, m.ID, "approved", "tester"); err == nil {
		t.Fatalf("pending -> approved must be rejected")
	}
}
