package services

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/chamavault/backend/internal/models"
)

// LedgerService owns every wallet balance mutation. All multi-wallet
// sequences run inside one database transaction with FOR UPDATE row locks
// taken in consistent id order, plus an optimistic version check on the
// balance update itself. Two conflicting debits against the same wallet can
// never both succeed.
type LedgerService struct {
	db *sql.DB
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{db: db}
}

// Transfer moves amount between two wallets in its own transaction.
func (s *LedgerService) Transfer(fromWalletID, toWalletID int64, operationID string, amount int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, _, err := s.TransferTx(tx, fromWalletID, toWalletID, operationID, amount); err != nil {
		return err
	}

	return tx.Commit()
}

// TransferTx moves amount between two wallets inside the caller's
// transaction, so the caller can append audit/notification rows atomically
// with the balance writes. Returns the post-transfer balances from the
// locked reads; audit rows must use these, not a pre-transaction snapshot.
func (s *LedgerService) TransferTx(tx *sql.Tx, fromWalletID, toWalletID int64, operationID string, amount int64) (fromBalance, toBalance int64, err error) {
	if amount <= 0 {
		return 0, 0, ErrInvalidAmount
	}
	if fromWalletID == toWalletID {
		return 0, 0, fmt.Errorf("cannot transfer wallet %d to itself", fromWalletID)
	}

	// Lock wallets in consistent order to prevent deadlocks
	firstLock, secondLock := fromWalletID, toWalletID
	if fromWalletID > toWalletID {
		firstLock, secondLock = toWalletID, fromWalletID
	}

	fromWallet, err := s.lockWallet(tx, firstLock)
	if err != nil {
		return 0, 0, err
	}

	toWallet, err := s.lockWallet(tx, secondLock)
	if err != nil {
		return 0, 0, err
	}

	// Determine which locked wallet is source/destination
	if firstLock != fromWalletID {
		fromWallet, toWallet = toWallet, fromWallet
	}

	if fromWallet.Currency != toWallet.Currency {
		return 0, 0, ErrCurrencyMismatch
	}

	if fromWallet.Balance < amount {
		return 0, 0, ErrInsufficientBalance
	}

	if err := s.appendEntry(tx, operationID, fromWallet.ID, -amount, "DEBIT", fromWallet.Balance-amount); err != nil {
		return 0, 0, err
	}

	if err := s.appendEntry(tx, operationID, toWallet.ID, amount, "CREDIT", toWallet.Balance+amount); err != nil {
		return 0, 0, err
	}

	if err := s.updateBalance(tx, fromWallet.ID, fromWallet.Balance-amount, fromWallet.Version); err != nil {
		return 0, 0, err
	}

	if err := s.updateBalance(tx, toWallet.ID, toWallet.Balance+amount, toWallet.Version); err != nil {
		return 0, 0, err
	}

	return fromWallet.Balance - amount, toWallet.Balance + amount, nil
}

// CreditTx credits a single wallet and returns the post-credit balance. Used
// for top-ups settling from a payment rail, where the debit side lives
// outside the system boundary.
func (s *LedgerService) CreditTx(tx *sql.Tx, walletID int64, operationID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	wallet, err := s.lockWallet(tx, walletID)
	if err != nil {
		return 0, err
	}

	if err := s.appendEntry(tx, operationID, wallet.ID, amount, "CREDIT", wallet.Balance+amount); err != nil {
		return 0, err
	}

	if err := s.updateBalance(tx, wallet.ID, wallet.Balance+amount, wallet.Version); err != nil {
		return 0, err
	}

	return wallet.Balance + amount, nil
}

// DebitTx debits a single wallet and returns the post-debit balance, failing
// with ErrInsufficientBalance before any write when the balance cannot cover
// amount. Used for withdrawals.
func (s *LedgerService) DebitTx(tx *sql.Tx, walletID int64, operationID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	wallet, err := s.lockWallet(tx, walletID)
	if err != nil {
		return 0, err
	}

	if wallet.Balance < amount {
		return 0, ErrInsufficientBalance
	}

	if err := s.appendEntry(tx, operationID, wallet.ID, -amount, "DEBIT", wallet.Balance-amount); err != nil {
		return 0, err
	}

	if err := s.updateBalance(tx, wallet.ID, wallet.Balance-amount, wallet.Version); err != nil {
		return 0, err
	}

	return wallet.Balance - amount, nil
}

func (s *LedgerService) lockWallet(tx *sql.Tx, walletID int64) (*models.Wallet, error) {
	var wallet models.Wallet
	err := tx.QueryRow(`
		SELECT id, owner_type, owner_id, kind, balance, currency, version, updated_at
		FROM wallets
		WHERE id = $1
		FOR UPDATE`, walletID).Scan(
		&wallet.ID, &wallet.OwnerType, &wallet.OwnerID, &wallet.Kind,
		&wallet.Balance, &wallet.Currency, &wallet.Version, &wallet.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return &wallet, err
}

func (s *LedgerService) appendEntry(tx *sql.Tx, operationID string, walletID, amount int64, entryType string, balance int64) error {
	_, err := tx.Exec(`
		INSERT INTO ledger_entries (operation_id, wallet_id, amount, entry_type, balance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		operationID, walletID, amount, entryType, balance, time.Now())
	return err
}

func (s *LedgerService) updateBalance(tx *sql.Tx, walletID, newBalance int64, version int) error {
	result, err := tx.Exec(`
		UPDATE wallets
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4 AND $1 >= 0`,
		newBalance, time.Now(), walletID, version)

	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for wallet %d", walletID)
	}

	return nil
}
