package domain

// Project is the contract context a milestone belongs to. The engine only
// writes to the event/decision logs; project rows are read inputs, with
// rule_version selecting the applicable policy revision.
type Project struct {
	ID           string  `json:"id"`
	ClientID     string  `json:"client_id"`
	FreelancerID string  `json:"freelancer_id"`
	Status       string  `json:"status" enum:"active,completed,cancelled"`
	RuleVersion  string  `json:"rule_version"`
	EscrowAmount float64 `json:"escrow_amount"`
	Budget       float64 `json:"budget"`
	Description  string  `json:"description,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type Milestone struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	FreelancerID  string  `json:"freelancer_id"`
	Title         string  `json:"title"`
	Amount        float64 `json:"amount"`
	DueAt         string  `json:"due_at" format:"date-time"`
	Status        string  `json:"status" enum:"pending,submitted,approved,released,disputed"`
	SubmissionRef *string `json:"submission_ref,omitempty"`
	SubmittedAt   *string `json:"submitted_at,omitempty" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

// Profile carries the externally maintained trust score for a freelancer.
type Profile struct {
	FreelancerID string `json:"freelancer_id"`
	TrustScore   int    `json:"trust_score" minimum:"0" maximum:"100"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

// Event is an append-only log entry. A decision.requested event is written
// before any scoring runs so every evaluation attempt leaves a trace.
type Event struct {
	ID          string `json:"id"`
	Seq         int64  `json:"seq"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	ProjectID   string `json:"project_id,omitempty"`
	MilestoneID string `json:"milestone_id,omitempty"`
	ActorRole   string `json:"actor_role"`
	Payload     string `json:"payload_json"`
}

// Decision is the immutable audit record of one evaluation. ActorID nil means
// system-triggered. DecisionHash and IntegrityHash hold the same digest; the
// second column exists for consumers of the previous schema.
type Decision struct {
	ID            string   `json:"id"`
	ProjectID     string   `json:"project_id"`
	MilestoneID   string   `json:"milestone_id"`
	Type          string   `json:"type"`
	ActorID       *string  `json:"actor_id,omitempty"`
	InputEventIDs []string `json:"input_event_ids"`
	RiskScore     int      `json:"risk_score"`
	Confidence    int      `json:"confidence"`
	Action        string   `json:"action" enum:"PENDING,RELEASE,HOLD,DISPUTE"`
	RuleID        string   `json:"rule_id"`
	RuleVersion   string   `json:"rule_version"`
	DecisionHash  string   `json:"decision_hash"`
	IntegrityHash string   `json:"integrity_hash"`
	StateJSON     string   `json:"state_json"`
	TS            string   `json:"ts" format:"date-time"`
}

// DecisionState is the before/after snapshot stored on a decision row.
type DecisionState struct {
	PrevStatus string   `json:"prev_status"`
	NextStatus string   `json:"next_status"`
	Reasons    []string `json:"reasons"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
