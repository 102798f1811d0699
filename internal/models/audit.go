package models

import "time"

// AuditLogEntry rows are append-only; exactly one is written per balance
// mutation, inside the same database transaction.
type AuditLogEntry struct {
	ID        int64     `json:"id" db:"id"`
	ActorID   int64     `json:"actor_id" db:"actor_id"`
	Target    string    `json:"target" db:"target"` // e.g. "wallet:42", "loan:7"
	Action    string    `json:"action" db:"action"`
	OldValue  string    `json:"old_value" db:"old_value"`
	NewValue  string    `json:"new_value" db:"new_value"`
	Details   string    `json:"details" db:"details"` // JSON
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type ActivityLogEntry struct {
	ID           int64     `json:"id" db:"id"`
	ChamaID      int64     `json:"chama_id" db:"chama_id"`
	ActivityType string    `json:"activity_type" db:"activity_type"`
	Description  string    `json:"description" db:"description"`
	Amount       *int64    `json:"amount,omitempty" db:"amount"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

type Notification struct {
	ID        int64     `json:"id" db:"id"`
	UserID    int64     `json:"user_id" db:"user_id"`
	Type      string    `json:"type" db:"type"`
	Title     string    `json:"title" db:"title"`
	Message   string    `json:"message" db:"message"`
	Metadata  string    `json:"metadata" db:"metadata"` // JSON
	Read      bool      `json:"read" db:"read"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
