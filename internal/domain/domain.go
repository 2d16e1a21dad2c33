package domain

type TaskState string

const (
	TaskBacklog    TaskState = "backlog"
	TaskReady      TaskState = "ready"
	TaskInProgress TaskState = "in_progress"
	TaskReview     TaskState = "review"
	TaskDone       TaskState = "done"
)

// TaskStates lists lifecycle states in order.
var TaskStates = []TaskState{TaskBacklog, TaskReady, TaskInProgress, TaskReview, TaskDone}

func (s TaskState) Valid() bool {
	for _, v := range TaskStates {
		if s == v {
			return true
		}
	}
	return false
}

type CookState string

const (
	CookDraft       CookState = "draft"
	CookProvisional CookState = "provisional"
	CookLocked      CookState = "locked"
	CookFinal       CookState = "final"
)

// Rank orders cook states; an unknown state ranks below draft.
func (s CookState) Rank() int {
	switch s {
	case CookDraft:
		return 0
	case CookProvisional:
		return 1
	case CookLocked:
		return 2
	case CookFinal:
		return 3
	}
	return -1
}

type Attribution string

const (
	AttributionSelf  Attribution = "self"
	AttributionSpend Attribution = "spend"
)

func (a Attribution) Valid() bool {
	return a == AttributionSelf || a == AttributionSpend
}

type Role string

const (
	RoleAdmin       Role = "admin"
	RoleSteward     Role = "steward"
	RoleReviewer    Role = "reviewer"
	RoleContributor Role = "contributor"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleSteward, RoleReviewer, RoleContributor:
		return true
	}
	return false
}

// Steward reports whether the role may act on any task.
func (r Role) Steward() bool {
	return r == RoleAdmin || r == RoleSteward
}

type Team struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Member struct {
	TeamID   string `json:"team_id"`
	UserID   string `json:"user_id"`
	Role     Role   `json:"role" enum:"admin,steward,reviewer,contributor"`
	JoinedAt string `json:"joined_at" format:"date-time"`
}

type UnauthorizedMovement struct {
	Blocked        bool      `json:"blocked"`
	FromState      TaskState `json:"from_state"`
	AttemptedState TaskState `json:"attempted_state"`
	ColumnID       string    `json:"column_id"`
	DetectedAt     string    `json:"detected_at" format:"date-time"`
}

type ExternalSync struct {
	ItemID               string                `json:"item_id"`
	ColumnID             string                `json:"column_id,omitempty"`
	LastSyncAt           *string               `json:"last_sync_at,omitempty" format:"date-time"`
	UnauthorizedMovement *UnauthorizedMovement `json:"unauthorized_movement,omitempty"`
}

type Task struct {
	ID              string        `json:"id"`
	TeamID          string        `json:"team_id"`
	Title           string        `json:"title"`
	Description     string        `json:"description,omitempty"`
	State           TaskState     `json:"state" enum:"backlog,ready,in_progress,review,done"`
	Contributors    []string      `json:"contributors"`
	Reviewers       []string      `json:"reviewers"`
	CookValue       *float64      `json:"cook_value,omitempty"`
	CookState       CookState     `json:"cook_state" enum:"draft,provisional,locked,final"`
	CookAttribution Attribution   `json:"cook_attribution" enum:"self,spend"`
	Archived        bool          `json:"archived"`
	ExternalSync    *ExternalSync `json:"external_sync,omitempty"`
	CreatedBy       string        `json:"created_by"`
	CreatedAt       string        `json:"created_at" format:"date-time"`
	UpdatedAt       string        `json:"updated_at" format:"date-time"`
}

// MovementBlocked reports whether an unauthorized external move is pending steward review.
func (t Task) MovementBlocked() bool {
	return t.ExternalSync != nil && t.ExternalSync.UnauthorizedMovement != nil && t.ExternalSync.UnauthorizedMovement.Blocked
}

func (t Task) HasContributor(userID string) bool {
	return contains(t.Contributors, userID)
}

func (t Task) HasReviewer(userID string) bool {
	return contains(t.Reviewers, userID)
}

type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewObjected ReviewStatus = "objected"
)

type Objection struct {
	ReviewerID string `json:"reviewer_id"`
	Reason     string `json:"reason"`
	Timestamp  string `json:"timestamp" format:"date-time"`
	Resolved   bool   `json:"resolved"`
}

type Comment struct {
	AuthorID  string `json:"author_id"`
	Body      string `json:"body"`
	Timestamp string `json:"timestamp" format:"date-time"`
}

type Review struct {
	ID                string       `json:"id"`
	TaskID            string       `json:"task_id"`
	TeamID            string       `json:"team_id"`
	Status            ReviewStatus `json:"status" enum:"pending,approved,objected"`
	Approvals         []string     `json:"approvals"`
	Objections        []Objection  `json:"objections"`
	Comments          []Comment    `json:"comments"`
	RequiredReviewers int          `json:"required_reviewers"`
	CreatedAt         string       `json:"created_at" format:"date-time"`
	UpdatedAt         string       `json:"updated_at" format:"date-time"`
}

func (r Review) HasApproval(reviewerID string) bool {
	return contains(r.Approvals, reviewerID)
}

// UnresolvedObjections counts objections not yet cleared by a steward.
func (r Review) UnresolvedObjections() int {
	n := 0
	for _, o := range r.Objections {
		if !o.Resolved {
			n++
		}
	}
	return n
}

type LedgerEntry struct {
	ID            string      `json:"id"`
	TaskID        string      `json:"task_id"`
	TeamID        string      `json:"team_id"`
	ContributorID string      `json:"contributor_id"`
	CookValue     float64     `json:"cook_value"`
	Attribution   Attribution `json:"attribution" enum:"self,spend"`
	IssuedAt      string      `json:"issued_at" format:"date-time"`
}

type Attestation struct {
	ID            string      `json:"id"`
	LedgerEntryID string      `json:"ledger_entry_id"`
	TaskID        string      `json:"task_id"`
	TeamID        string      `json:"team_id"`
	ContributorID string      `json:"contributor_id"`
	CookValue     float64     `json:"cook_value"`
	Attribution   Attribution `json:"attribution" enum:"self,spend"`
	IssuedAt      string      `json:"issued_at" format:"date-time"`
	Reviewers     []string    `json:"reviewers"`
	MerkleRoot    string      `json:"merkle_root"`
	ParentHash    *string     `json:"parent_hash"`
	ChainSeq      int64       `json:"chain_seq"`
	CreatedAt     string      `json:"created_at" format:"date-time"`
}

type GovernanceWeight struct {
	TeamID        string  `json:"team_id"`
	ContributorID string  `json:"contributor_id"`
	Weight        float64 `json:"weight"`
	RawCook       float64 `json:"raw_cook"`
	EntryCount    int     `json:"entry_count"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type ProposalType string

const (
	ProposalPolicyChange            ProposalType = "policy_change"
	ProposalConstitutionalChallenge ProposalType = "constitutional_challenge"
	ProposalBudgetAllocation        ProposalType = "budget_allocation"
	ProposalMembership              ProposalType = "membership"
)

func (p ProposalType) Valid() bool {
	switch p {
	case ProposalPolicyChange, ProposalConstitutionalChallenge, ProposalBudgetAllocation, ProposalMembership:
		return true
	}
	return false
}

type ProposalStatus string

const (
	ProposalObjectionWindowOpen ProposalStatus = "objection_window_open"
	ProposalVotingTriggered     ProposalStatus = "voting_triggered"
	ProposalApproved            ProposalStatus = "approved"
	ProposalRejected            ProposalStatus = "rejected"
)

type ProposalObjection struct {
	ProposalID string  `json:"proposal_id"`
	MemberID   string  `json:"member_id"`
	Weight     float64 `json:"weight"`
	Reason     string  `json:"reason,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type GovernanceProposal struct {
	ID                 string              `json:"id"`
	TeamID             string              `json:"team_id"`
	Type               ProposalType        `json:"type" enum:"policy_change,constitutional_challenge,budget_allocation,membership"`
	Title              string              `json:"title"`
	Description        string              `json:"description,omitempty"`
	ProposerID         string              `json:"proposer_id"`
	Status             ProposalStatus      `json:"status" enum:"objection_window_open,voting_triggered,approved,rejected"`
	Objections         []ProposalObjection `json:"objections"`
	ObjectionWeight    float64             `json:"objection_weight"`
	ObjectionThreshold float64             `json:"objection_threshold"`
	WindowClosesAt     string              `json:"window_closes_at" format:"date-time"`
	VotingID           *string             `json:"voting_id,omitempty"`
	CreatedAt          string              `json:"created_at" format:"date-time"`
	ResolvedAt         *string             `json:"resolved_at,omitempty" format:"date-time"`
}

type VotingStatus string

const (
	VotingOpen      VotingStatus = "open"
	VotingClosed    VotingStatus = "closed"
	VotingCompleted VotingStatus = "completed"
)

type Vote struct {
	VotingID string  `json:"voting_id"`
	VoterID  string  `json:"voter_id"`
	Option   string  `json:"option"`
	Weight   float64 `json:"weight"`
	CastAt   string  `json:"cast_at" format:"date-time"`
}

type Voting struct {
	ID                   string             `json:"id"`
	TeamID               string             `json:"team_id"`
	ProposalID           *string            `json:"proposal_id,omitempty"`
	Title                string             `json:"title"`
	Options              []string           `json:"options"`
	Votes                []Vote             `json:"votes"`
	Status               VotingStatus       `json:"status" enum:"open,closed,completed"`
	ClosesAt             string             `json:"closes_at" format:"date-time"`
	Results              map[string]float64 `json:"results,omitempty"`
	WinningOption        *string            `json:"winning_option,omitempty"`
	ApprovalThresholdPct *float64           `json:"approval_threshold_pct,omitempty"`
	CreatedBy            string             `json:"created_by"`
	CreatedAt            string             `json:"created_at" format:"date-time"`
}

func (v Voting) HasOption(option string) bool {
	return contains(v.Options, option)
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TeamID     string `json:"team_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type SyncQueueItem struct {
	ID            string `json:"id"`
	TeamID        string `json:"team_id"`
	TaskID        string `json:"task_id"`
	Op            string `json:"op"`
	CardID        string `json:"card_id"`
	ColumnID      string `json:"column_id"`
	Position      string `json:"position"`
	RetryCount    int    `json:"retry_count"`
	NextAttemptAt string `json:"next_attempt_at" format:"date-time"`
	LastError     string `json:"last_error,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

type CircuitBreakerState struct {
	TeamID       string       `json:"team_id"`
	Name         string       `json:"name"`
	State        BreakerState `json:"state" enum:"closed,open,half_open"`
	FailureCount int          `json:"failure_count"`
	OpenedAt     *string      `json:"opened_at,omitempty" format:"date-time"`
	UpdatedAt    string       `json:"updated_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func contains(items []string, v string) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}
