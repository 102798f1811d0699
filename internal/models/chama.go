package models

import "time"

// Membership roles within a chama.
const (
	RoleMember    = "member"
	RoleSecretary = "secretary"
	RoleTreasurer = "treasurer"
	RoleChairman  = "chairman"
	RoleAdmin     = "admin"
)

const (
	MembershipActive    = "active"
	MembershipSuspended = "suspended"
)

type Chama struct {
	ID          int64     `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	CreatedBy   int64     `json:"created_by" db:"created_by"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

type Membership struct {
	ID       int64     `json:"id" db:"id"`
	ChamaID  int64     `json:"chama_id" db:"chama_id"`
	UserID   int64     `json:"user_id" db:"user_id"`
	Role     string    `json:"role" db:"role"`
	Status   string    `json:"status" db:"status"`
	JoinedAt time.Time `json:"joined_at" db:"joined_at"`
}

const (
	ContributionPending  = "pending"
	ContributionVerified = "verified"
	ContributionRejected = "rejected"
)

type Contribution struct {
	ID         int64     `json:"id" db:"id"`
	ChamaID    int64     `json:"chama_id" db:"chama_id"`
	UserID     int64     `json:"user_id" db:"user_id"`
	Amount     int64     `json:"amount" db:"amount"`
	Cycle      string    `json:"cycle" db:"cycle"` // e.g. "2026-08"
	Status     string    `json:"status" db:"status"`
	VerifiedBy *int64    `json:"verified_by,omitempty" db:"verified_by"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
