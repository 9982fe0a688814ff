package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"escrowline/internal/config"
	"escrowline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- projects ---

const projectColumns = `id,client_id,freelancer_id,status,COALESCE(rule_version,''),escrow_amount,budget,COALESCE(description,''),created_at`

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.ClientID, &p.FreelancerID, &p.Status, &p.RuleVersion, &p.EscrowAmount, &p.Budget, &p.Description, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,client_id,freelancer_id,status,rule_version,escrow_amount,budget,description,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ClientID, p.FreelancerID, p.Status, nullable(p.RuleVersion), p.EscrowAmount, p.Budget, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.ClientID, &p.FreelancerID, &p.Status, &p.RuleVersion, &p.EscrowAmount, &p.Budget, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SingleProject resolves the project when the workspace holds exactly one.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

// --- project configs ---

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM project_configs WHERE project_id=?`, projectID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(raw))
}

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, r.DB, nil, projectID, cfg)
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, nil, tx, projectID, cfg)
}

func upsertProjectConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := cfg.ToYAML()
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	query := `INSERT INTO project_configs(project_id,config_yaml,updated_at) VALUES (?,?,?)
		ON CONFLICT(project_id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, projectID, string(data), now)
	} else {
		_, err = db.ExecContext(ctx, query, projectID, string(data), now)
	}
	return err
}

// --- milestones ---

const milestoneColumns = `id,project_id,freelancer_id,title,amount,due_at,status,submission_ref,submitted_at,created_at,updated_at`

func scanMilestone(scan func(dest ...any) error) (domain.Milestone, error) {
	var m domain.Milestone
	var ref, submitted sql.NullString
	err := scan(&m.ID, &m.ProjectID, &m.FreelancerID, &m.Title, &m.Amount, &m.DueAt, &m.Status, &ref, &submitted, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if ref.Valid {
		m.SubmissionRef = &ref.String
	}
	if submitted.Valid {
		m.SubmittedAt = &submitted.String
	}
	return m, err
}

func (r Repo) InsertMilestone(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO milestones(`+milestoneColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ProjectID, m.FreelancerID, m.Title, m.Amount, m.DueAt, m.Status, nullablePtr(m.SubmissionRef), nullablePtr(m.SubmittedAt), m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetMilestone(ctx context.Context, id string) (domain.Milestone, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id=?`, id)
	return scanMilestone(row.Scan)
}

func (r Repo) ListMilestones(ctx context.Context, projectID string) ([]domain.Milestone, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE project_id=? ORDER BY created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) UpdateMilestone(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	res, err := tx.ExecContext(ctx, `UPDATE milestones SET status=?, submission_ref=?, submitted_at=?, updated_at=? WHERE id=?`,
		m.Status, nullablePtr(m.SubmissionRef), nullablePtr(m.SubmittedAt), m.UpdatedAt, m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountMilestonesByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM milestones WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// --- profiles ---

func (r Repo) GetProfile(ctx context.Context, freelancerID string) (domain.Profile, error) {
	var p domain.Profile
	err := r.DB.QueryRowContext(ctx, `SELECT freelancer_id,trust_score,updated_at FROM profiles WHERE freelancer_id=?`, freelancerID).
		Scan(&p.FreelancerID, &p.TrustScore, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) UpsertProfile(ctx context.Context, tx *sql.Tx, p domain.Profile) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO profiles(freelancer_id,trust_score,updated_at) VALUES (?,?,?)
		ON CONFLICT(freelancer_id) DO UPDATE SET trust_score=excluded.trust_score, updated_at=excluded.updated_at`,
		p.FreelancerID, p.TrustScore, p.UpdatedAt)
	return err
}

// --- events ---

const eventColumns = `id,seq,ts,type,COALESCE(project_id,''),COALESCE(milestone_id,''),actor_role,payload_json`

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, milestoneID string) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`
	var args []any
	if projectID != "" {
		query += ` AND project_id=?`
		args = append(args, projectID)
	}
	if evtType != "" {
		query += ` AND type=?`
		args = append(args, evtType)
	}
	if milestoneID != "" {
		query += ` AND milestone_id=?`
		args = append(args, milestoneID)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with seq greater than cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE seq > ?`
	args := []any{cursor}
	if projectID != "" {
		query += ` AND project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY seq ASC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) LatestEventSeq(ctx context.Context, projectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(seq),0) FROM events`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	var seq int64
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&seq)
	return seq, err
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.Seq, &e.TS, &e.Type, &e.ProjectID, &e.MilestoneID, &e.ActorRole, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- decisions ---

const decisionColumns = `id,project_id,milestone_id,type,actor_id,input_event_ids,risk_score,confidence,action,rule_id,rule_version,decision_hash,integrity_hash,state_json,ts`

// InsertDecision appends one immutable decision row. There is deliberately no
// update or delete counterpart.
func (r Repo) InsertDecision(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	inputIDs, err := json.Marshal(d.InputEventIDs)
	if err != nil {
		return fmt.Errorf("marshal input event ids: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO decisions(`+decisionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ProjectID, d.MilestoneID, d.Type, nullablePtr(d.ActorID), string(inputIDs), d.RiskScore, d.Confidence,
		d.Action, d.RuleID, d.RuleVersion, d.DecisionHash, d.IntegrityHash, d.StateJSON, d.TS)
	return err
}

func scanDecision(scan func(dest ...any) error) (domain.Decision, error) {
	var d domain.Decision
	var actor sql.NullString
	var inputIDs string
	err := scan(&d.ID, &d.ProjectID, &d.MilestoneID, &d.Type, &actor, &inputIDs, &d.RiskScore, &d.Confidence,
		&d.Action, &d.RuleID, &d.RuleVersion, &d.DecisionHash, &d.IntegrityHash, &d.StateJSON, &d.TS)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if actor.Valid {
		d.ActorID = &actor.String
	}
	if err := json.Unmarshal([]byte(inputIDs), &d.InputEventIDs); err != nil {
		return d, fmt.Errorf("unmarshal input event ids: %w", err)
	}
	return d, nil
}

func (r Repo) GetDecision(ctx context.Context, id string) (domain.Decision, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id=?`, id)
	return scanDecision(row.Scan)
}

func (r Repo) ListDecisions(ctx context.Context, milestoneID string, limit int) ([]domain.Decision, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions`
	var args []any
	if milestoneID != "" {
		query += ` WHERE milestone_id=?`
		args = append(args, milestoneID)
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Decision
	for rows.Next() {
		d, err := scanDecision(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
