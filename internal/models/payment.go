package models

import "time"

// Supported payment rails.
const (
	RailMpesa    = "mpesa"
	RailAirtel   = "airtel"
	RailPaystack = "paystack"
)

const (
	PaymentDirectionTopup  = "topup"
	PaymentDirectionPayout = "payout"
)

const (
	PaymentPending  = "PENDING"
	PaymentSettled  = "SETTLED"
	PaymentFailed   = "FAILED"
	PaymentReversed = "REVERSED"
)

// PendingPayment tracks an externally initiated payment. RailReference is
// unique and is the idempotency key for rail callbacks: settling is a
// conditional PENDING -> SETTLED update, so duplicate callbacks are no-ops.
type PendingPayment struct {
	ID            int64      `json:"id" db:"id"`
	Rail          string     `json:"rail" db:"rail"`
	RailReference string     `json:"rail_reference" db:"rail_reference"`
	Direction     string     `json:"direction" db:"direction"`
	WalletID      int64      `json:"wallet_id" db:"wallet_id"`
	UserID        int64      `json:"user_id" db:"user_id"`
	Amount        int64      `json:"amount" db:"amount"`
	PhoneNumber   string     `json:"phone_number" db:"phone_number"`
	Status        string     `json:"status" db:"status"`
	Attempts      int        `json:"attempts" db:"attempts"`
	NextRetryAt   time.Time  `json:"next_retry_at" db:"next_retry_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	SettledAt     *time.Time `json:"settled_at,omitempty" db:"settled_at"`
}
