package escrowlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Escrowline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Milestone represents the API milestone model.
type Milestone struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	FreelancerID  string  `json:"freelancer_id"`
	Title         string  `json:"title"`
	Amount        float64 `json:"amount"`
	DueAt         string  `json:"due_at"`
	Status        string  `json:"status"`
	SubmissionRef *string `json:"submission_ref,omitempty"`
	SubmittedAt   *string `json:"submitted_at,omitempty"`
}

// Scores are the four components behind a decision.
type Scores struct {
	Delivery int `json:"delivery"`
	Behavior int `json:"behavior"`
	Risk     int `json:"risk"`
	History  int `json:"history"`
}

// Evaluation is the result of evaluating a milestone for fund release.
// The caller alone moves money when Action is RELEASE.
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

// Decision is one immutable audit row.
type Decision struct {
	ID            string   `json:"id"`
	ProjectID     string   `json:"project_id"`
	MilestoneID   string   `json:"milestone_id"`
	Action        string   `json:"action"`
	RuleID        string   `json:"rule_id"`
	RuleVersion   string   `json:"rule_version"`
	RiskScore     int      `json:"risk_score"`
	Confidence    int      `json:"confidence"`
	DecisionHash  string   `json:"decision_hash"`
	IntegrityHash string   `json:"integrity_hash"`
	InputEventIDs []string `json:"input_event_ids"`
	TS            string   `json:"ts"`
}

// Verification reports whether a stored decision still matches its hash.
type Verification struct {
	DecisionID   string `json:"decision_id"`
	StoredHash   string `json:"stored_hash"`
	ComputedHash string `json:"computed_hash"`
	Valid        bool   `json:"valid"`
}

// Profile carries a freelancer trust score.
type Profile struct {
	FreelancerID string `json:"freelancer_id"`
	TrustScore   int    `json:"trust_score"`
	UpdatedAt    string `json:"updated_at"`
}

// Event represents a log entry.
type Event struct {
	ID          string `json:"id"`
	Seq         int64  `json:"seq"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	ProjectID   string `json:"project_id"`
	MilestoneID string `json:"milestone_id"`
	ActorRole   string `json:"actor_role"`
	Payload     string `json:"payload_json"`
}

// RuleOutcome is the pure evaluator's verdict.
type RuleOutcome struct {
	Action     string `json:"action"`
	RuleID     string `json:"rule_id"`
	Reason     string `json:"reason"`
	Confidence int    `json:"confidence"`
	Risk       int    `json:"risk"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateMilestone creates a milestone under the client's project.
func (c *Client) CreateMilestone(ctx context.Context, title string, amount float64, dueAt string) (Milestone, error) {
	body := map[string]any{
		"title":  title,
		"amount": amount,
		"due_at": dueAt,
	}
	var resp Milestone
	err := c.do(ctx, http.MethodPost, c.projectPath("milestones"), body, &resp)
	return resp, err
}

// GetMilestone fetches a milestone by id.
func (c *Client) GetMilestone(ctx context.Context, id string) (Milestone, error) {
	var resp Milestone
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/milestones/%s", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListMilestones lists the project's milestones.
func (c *Client) ListMilestones(ctx context.Context) ([]Milestone, error) {
	var resp []Milestone
	err := c.do(ctx, http.MethodGet, c.projectPath("milestones"), nil, &resp)
	return resp, err
}

// SubmitWork records a deliverable reference.
func (c *Client) SubmitWork(ctx context.Context, milestoneID, submissionRef string) (Milestone, error) {
	body := map[string]any{"submission_ref": submissionRef}
	var resp Milestone
	endpoint := fmt.Sprintf("v0/milestones/%s/submit", url.PathEscape(milestoneID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Evaluate scores a milestone and returns the recommended action.
func (c *Client) Evaluate(ctx context.Context, milestoneID string) (Evaluation, error) {
	var resp Evaluation
	endpoint := c.projectPath(fmt.Sprintf("milestones/%s/evaluate", url.PathEscape(milestoneID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ApplyDecision performs the milestone status transition an action implies.
func (c *Client) ApplyDecision(ctx context.Context, milestoneID, action string) (Milestone, error) {
	body := map[string]any{"action": action}
	var resp Milestone
	endpoint := fmt.Sprintf("v0/milestones/%s/apply", url.PathEscape(milestoneID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// OpenDispute flags a milestone as disputed.
func (c *Client) OpenDispute(ctx context.Context, milestoneID, reason string) (Milestone, error) {
	body := map[string]any{"reason": reason}
	var resp Milestone
	endpoint := fmt.Sprintf("v0/milestones/%s/dispute", url.PathEscape(milestoneID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ResolveDispute returns a disputed milestone to submitted.
func (c *Client) ResolveDispute(ctx context.Context, milestoneID, resolution string) (Milestone, error) {
	body := map[string]any{"resolution": resolution}
	var resp Milestone
	endpoint := fmt.Sprintf("v0/milestones/%s/dispute/resolve", url.PathEscape(milestoneID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetDecision fetches a decision by id.
func (c *Client) GetDecision(ctx context.Context, id string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/decisions/%s", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// VerifyDecision recomputes a decision's hash server-side.
func (c *Client) VerifyDecision(ctx context.Context, id string) (Verification, error) {
	var resp Verification
	endpoint := fmt.Sprintf("v0/decisions/%s/verify", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetTrustScore stores a freelancer trust score.
func (c *Client) SetTrustScore(ctx context.Context, freelancerID string, trustScore int) (Profile, error) {
	body := map[string]any{"trust_score": trustScore}
	var resp Profile
	endpoint := fmt.Sprintf("v0/profiles/%s", url.PathEscape(freelancerID))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// Events returns recent events for the project.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("v0/events?project_id=%s", url.QueryEscape(c.ProjectID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&n=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// EvaluateRules runs the stateless rule evaluator with a snapshot of inputs.
func (c *Client) EvaluateRules(ctx context.Context, inputs map[string]any) (RuleOutcome, error) {
	var resp RuleOutcome
	err := c.do(ctx, http.MethodPost, "v0/rules/evaluate", inputs, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
