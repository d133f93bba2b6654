package store

import "time"

// Task lifecycle statuses. A task only moves forward: pending → working → done.
const (
	StatusPending = "pending"
	StatusWorking = "working"
	StatusDone    = "done"
)

// Assignment roles. Only approvers gate task completion.
const (
	RoleWorker   = "worker"
	RoleApprover = "approver"
	RoleViewer   = "viewer"
)

type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

// Chain is an ordered collection of tasks with dependency edges, owned by one user.
type Chain struct {
	ID        string
	Name      string
	OwnerName string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Task struct {
	ID        string
	ChainID   string
	Title     string
	Status    string
	SortOrder int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Assignment is a (task, user) pairing carrying a role and an approval flag.
type Assignment struct {
	TaskID    string
	UserID    string
	UserName  string
	Role      string
	Approved  bool
	UpdatedAt time.Time
}

// Dependency is a directed precedence edge: TaskID cannot start until
// DependsOnID is done.
type Dependency struct {
	TaskID      string
	DependsOnID string
}

// TaskDetail is a task together with its assignments and upstream dependencies.
type TaskDetail struct {
	Task
	Assignments []Assignment
	DependsOn   []string
}

// ApprovalResult reports what a successful Approve transaction changed beyond
// the caller's own approval flag.
type ApprovalResult struct {
	TaskMarkedDone bool
	// Unlocked lists dependent task IDs promoted from pending to working in the
	// same transaction.
	Unlocked []string
}

// ChainInput describes a chain to create, with its tasks, assignments and
// dependency edges, applied in a single transaction.
type ChainInput struct {
	Name      string
	OwnerName string
	Tasks     []ChainTaskInput
}

type ChainTaskInput struct {
	ID          string
	Title       string
	SortOrder   int
	Assignments []ChainAssignmentInput
	// DependsOn holds task IDs from the same ChainInput.
	DependsOn []string
}

type ChainAssignmentInput struct {
	UserID string
	Role   string
}
