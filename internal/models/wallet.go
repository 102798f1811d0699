package models

import (
	"time"
)

type WalletKind string

const (
	WalletPersonal     WalletKind = "personal"
	WalletLocked       WalletKind = "locked"
	WalletChamaCentral WalletKind = "chama_central"
	WalletMerryGoRound WalletKind = "merry_go_round"
	WalletMemberSub    WalletKind = "member_sub"
)

const (
	OwnerUser  = "user"
	OwnerChama = "chama"
)

// Wallet balances are stored in minor units (cents). Balance must never
// go below zero; every mutation bumps version for optimistic locking.
type Wallet struct {
	ID        int64      `json:"id" db:"id"`
	OwnerType string     `json:"owner_type" db:"owner_type"`
	OwnerID   int64      `json:"owner_id" db:"owner_id"`
	Kind      WalletKind `json:"kind" db:"kind"`
	Balance   int64      `json:"balance" db:"balance"`
	Currency  string     `json:"currency" db:"currency"`
	Version   int        `json:"version" db:"version"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

type LedgerEntry struct {
	ID          int64     `json:"id" db:"id"`
	OperationID string    `json:"operation_id" db:"operation_id"`
	WalletID    int64     `json:"wallet_id" db:"wallet_id"`
	Amount      int64     `json:"amount" db:"amount"` // signed, minor units
	EntryType   string    `json:"entry_type" db:"entry_type"` // DEBIT or CREDIT
	Balance     int64     `json:"balance" db:"balance"`       // balance after the entry
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
