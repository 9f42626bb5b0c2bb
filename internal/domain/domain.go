package domain

type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

const (
	StageStatusPending    = "pending"
	StageStatusInProgress = "in_progress"
	StageStatusCompleted  = "completed"
)

type Stage struct {
	ID                     string `json:"id"`
	ProjectID              string `json:"project_id"`
	Order                  int    `json:"order"`
	Name                   string `json:"name"`
	Description            string `json:"description,omitempty"`
	Status                 string `json:"status" enum:"pending,in_progress,completed"`
	RequiresClientApproval bool   `json:"requires_client_approval"`
	// Blocked and BlockedBy are derived by the gating pass on every read and never stored.
	Blocked   bool   `json:"blocked"`
	BlockedBy string `json:"blocked_by,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type ChecklistItem struct {
	ID          string  `json:"id"`
	StageID     string  `json:"stage_id"`
	Description string  `json:"description"`
	Order       int     `json:"order"`
	IsCompleted bool    `json:"is_completed"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	CompletedBy *string `json:"completed_by,omitempty"`
}

const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

const (
	DecisionApprove        = "approve"
	DecisionReject         = "reject"
	DecisionRequestChanges = "request_changes"
)

type Approval struct {
	ID              string  `json:"id"`
	StageID         string  `json:"stage_id"`
	RequestedBy     string  `json:"requested_by"`
	Notes           string  `json:"notes,omitempty"`
	TokenHash       string  `json:"-"`
	Status          string  `json:"status" enum:"pending,approved,rejected"`
	Decision        *string `json:"decision,omitempty" enum:"approve,reject,request_changes"`
	ResponseComment *string `json:"response_comment,omitempty"`
	ApprovedAt      *string `json:"approved_at,omitempty" format:"date-time"`
	ApprovedByName  *string `json:"approved_by_name,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

// Progress is the checklist completion summary of a single stage.
type Progress struct {
	CompletedCount  int  `json:"completed_count"`
	TotalCount      int  `json:"total_count"`
	Percent         int  `json:"percent"`
	IsFullyComplete bool `json:"is_fully_complete"`
}

type StageView struct {
	Stage
	Items    []ChecklistItem `json:"items"`
	Progress Progress        `json:"progress"`
	Approval *Approval       `json:"approval,omitempty"`
}

type Workflow struct {
	ProjectID string      `json:"project_id"`
	Stages    []StageView `json:"stages"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Patches carry only the fields a write path is allowed to change.

type ChecklistItemPatch struct {
	IsCompleted bool
	CompletedAt *string
	CompletedBy *string
}

type StagePatch struct {
	Status                 *string
	RequiresClientApproval *bool
	UpdatedAt              string
}

type ApprovalPatch struct {
	Status          string
	Decision        string
	ResponseComment string
	ApprovedAt      string
	ApprovedByName  string
}
