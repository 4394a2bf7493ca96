package domain

// Account lifecycle statuses.
const (
	StatusPending  = "pending"
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Account roles. RoleManager is the elevated role that may approve
// registrations and broadcast.
const (
	RoleManager    = "manager"
	RoleTechnician = "technician"
	RoleCommercial = "commercial"
	RoleOther      = "other"
)

// ValidRole reports whether r is a grantable role.
func ValidRole(r string) bool {
	switch r {
	case RoleManager, RoleTechnician, RoleCommercial, RoleOther:
		return true
	}
	return false
}

// Task workflow statuses.
const (
	TaskToDo       = "to_do"
	TaskInProgress = "in_progress"
	TaskPending    = "pending"
	TaskBlocked    = "blocked"
	TaskCompleted  = "completed"
)

// ValidTaskStatus reports whether s is a known task status.
func ValidTaskStatus(s string) bool {
	switch s {
	case TaskToDo, TaskInProgress, TaskPending, TaskBlocked, TaskCompleted:
		return true
	}
	return false
}

// Task priorities.
const (
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// ValidPriority reports whether p is a known priority.
func ValidPriority(p string) bool {
	switch p {
	case PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Activity kinds recorded in the audit log.
const (
	ActivityCommand      = "command"
	ActivityRegistration = "registration"
	ActivityTaskCreation = "task-creation"
	ActivityStatusChange = "status-change"
	ActivityNote         = "note"
	ActivityFileUpload   = "file-upload"
	ActivityBroadcast    = "broadcast"
	ActivityCallback     = "callback"
	ActivityApproval     = "approval"
	ActivityRejection    = "rejection"
	ActivityDenied       = "denied"
)

type Account struct {
	ID         int64  `json:"id"`
	ExternalID string `json:"external_id,omitempty"`
	Username   string `json:"username,omitempty"`
	FullName   string `json:"full_name"`
	Status     string `json:"status" enum:"pending,active,inactive"`
	Role       string `json:"role,omitempty" enum:"manager,technician,commercial,other"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	LastSeen   string `json:"last_seen,omitempty" format:"date-time"`
}

type Task struct {
	ID             int64    `json:"id"`
	Code           string   `json:"code"`
	Category       string   `json:"category,omitempty"`
	Description    string   `json:"description"`
	CustomerName   string   `json:"customer_name,omitempty"`
	CustomerCity   string   `json:"customer_city,omitempty"`
	Status         string   `json:"status" enum:"to_do,in_progress,pending,blocked,completed"`
	Priority       string   `json:"priority" enum:"normal,high,critical"`
	CreatedBy      int64    `json:"created_by"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	CompletedAt    *string  `json:"completed_at,omitempty" format:"date-time"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
	ActualHours    *float64 `json:"actual_hours,omitempty"`
}

// Assignment links an account to a task. At most one assignment per task is
// primary.
type Assignment struct {
	TaskID    int64 `json:"task_id"`
	AccountID int64 `json:"account_id"`
	Primary   bool  `json:"primary"`
}

// ActivityEntry is an append-only audit record. Ordering by ID is the
// canonical timeline.
type ActivityEntry struct {
	ID          int64  `json:"id"`
	AccountID   int64  `json:"account_id"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
	TaskID      *int64 `json:"task_id,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type FileRecord struct {
	ID           int64  `json:"id"`
	StoredName   string `json:"stored_name"`
	OriginalName string `json:"original_name"`
	MediaType    string `json:"media_type"`
	SizeBytes    int64  `json:"size_bytes"`
	Method       string `json:"method"`
	AccountID    int64  `json:"account_id"`
	TaskID       *int64 `json:"task_id,omitempty"`
	Description  string `json:"description,omitempty"`
	Tag          string `json:"tag,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
