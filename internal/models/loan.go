package models

import "time"

const (
	LoanPending   = "pending"
	LoanActive    = "active"
	LoanCompleted = "completed"
	LoanOverdue   = "overdue"
	LoanRejected  = "rejected"
)

// Loan amount_paid is monotonically non-decreasing. Status moves
// active -> completed exactly once, when amount_paid reaches principal;
// the reward flag is set in the same update and never cleared.
type Loan struct {
	ID         int64      `json:"id" db:"id"`
	ChamaID    int64      `json:"chama_id" db:"chama_id"`
	BorrowerID int64      `json:"borrower_id" db:"borrower_id"`
	Principal  int64      `json:"principal" db:"principal"`
	AmountPaid int64      `json:"amount_paid" db:"amount_paid"`
	Status     string     `json:"status" db:"status"`
	Reward     bool       `json:"reward" db:"reward"`
	Purpose    string     `json:"purpose" db:"purpose"`
	DueDate    *time.Time `json:"due_date,omitempty" db:"due_date"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

type Repayment struct {
	ID        int64     `json:"id" db:"id"`
	LoanID    int64     `json:"loan_id" db:"loan_id"`
	Amount    int64     `json:"amount" db:"amount"`
	Method    string    `json:"method" db:"method"` // wallet, mpesa, airtel, paystack
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
