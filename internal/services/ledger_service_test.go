package services

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func walletRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "owner_type", "owner_id", "kind", "balance", "currency", "version", "updated_at"})
}

func TestLedgerService_Transfer(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	t.Run("successful transfer", func(t *testing.T) {
		operationID := "op123"
		amount := int64(1000)

		mock.ExpectBegin()

		// Lock source wallet (lower id first)
		mock.ExpectQuery("SELECT id, owner_type, owner_id, kind, balance, currency, version, updated_at FROM wallets WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(1)).
			WillReturnRows(walletRows().AddRow(1, "user", 10, "personal", 5000, "KES", 1, time.Now()))

		// Lock destination wallet
		mock.ExpectQuery("SELECT id, owner_type, owner_id, kind, balance, currency, version, updated_at FROM wallets WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(2)).
			WillReturnRows(walletRows().AddRow(2, "user", 11, "personal", 2000, "KES", 1, time.Now()))

		// Debit entry
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(operationID, int64(1), -amount, "DEBIT", int64(4000), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		// Credit entry
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(operationID, int64(2), amount, "CREDIT", int64(3000), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		// Update source balance
		mock.ExpectExec("UPDATE wallets SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4").
			WithArgs(int64(4000), sqlmock.AnyArg(), int64(1), 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		// Update destination balance
		mock.ExpectExec("UPDATE wallets SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4").
			WithArgs(int64(3000), sqlmock.AnyArg(), int64(2), 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		err := service.Transfer(1, 2, operationID, amount)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient balance", func(t *testing.T) {
		amount := int64(6000) // more than available

		mock.ExpectBegin()

		mock.ExpectQuery("SELECT id, owner_type, owner_id, kind, balance, currency, version, updated_at FROM wallets WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(1)).
			WillReturnRows(walletRows().AddRow(1, "user", 10, "personal", 5000, "KES", 1, time.Now()))

		mock.ExpectQuery("SELECT id, owner_type, owner_id, kind, balance, currency, version, updated_at FROM wallets WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(2)).
			WillReturnRows(walletRows().AddRow(2, "user", 11, "personal", 2000, "KES", 1, time.Now()))

		mock.ExpectRollback()

		err := service.Transfer(1, 2, "op124", amount)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("currency mismatch", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT id, owner_type, owner_id, kind, balance, currency, version, updated_at FROM wallets WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(1)).
			WillReturnRows(walletRows().AddRow(1, "user", 10, "personal", 5000, "KES", 1, time.Now()))

		mock.ExpectQuery("SELECT id, owner_type, owner_id, kind, balance, currency, version, updated_at FROM wallets WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(2)).
			WillReturnRows(walletRows().AddRow(2, "user", 11, "personal", 2000, "UGX", 1, time.Now()))

		mock.ExpectRollback()

		err := service.Transfer(1, 2, "op125", 100)
		assert.ErrorIs(t, err, ErrCurrencyMismatch)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lock order is ascending wallet id", func(t *testing.T) {
		// Transfer 5 -> 3: wallet 3 must be locked first.
		operationID := "op126"
		amount := int64(500)

		mock.ExpectBegin()

		mock.ExpectQuery("SELECT id, owner_type, owner_id, kind, balance, currency, version, updated_at FROM wallets WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(3)).
			WillReturnRows(walletRows().AddRow(3, "user", 11, "personal", 1000, "KES", 4, time.Now()))

		mock.ExpectQuery("SELECT id, owner_type, owner_id, kind, balance, currency, version, updated_at FROM wallets WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(5)).
			WillReturnRows(walletRows().AddRow(5, "user", 10, "personal", 2000, "KES", 2, time.Now()))

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(operationID, int64(5), -amount, "DEBIT", int64(1500), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(operationID, int64(3), amount, "CREDIT", int64(1500), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE wallets SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4").
			WithArgs(int64(1500), sqlmock.AnyArg(), int64(5), 2).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE wallets SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4").
			WithArgs(int64(1500), sqlmock.AnyArg(), int64(3), 4).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		err := service.Transfer(5, 3, operationID, amount)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects non-positive amount", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectRollback()

		err := service.Transfer(1, 2, "op127", 0)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("rejects same wallet", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectRollback()

		err := service.Transfer(7, 7, "op128", 100)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "itself")
	})
}

func TestLedgerService_TransferTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	t.Run("returns balances from the locked reads", func(t *testing.T) {
		operationID := "op150"
		amount := int64(1000)

		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("SELECT id, owner_type, owner_id, kind, balance, currency, version, updated_at FROM wallets WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(1)).
			WillReturnRows(walletRows().AddRow(1, "user", 10, "personal", 5000, "KES", 1, time.Now()))

		mock.ExpectQuery("SELECT id, owner_type, owner_id, kind, balance, currency, version, updated_at FROM wallets WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(2)).
			WillReturnRows(walletRows().AddRow(2, "user", 11, "personal", 2000, "KES", 1, time.Now()))

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(operationID, int64(1), -amount, "DEBIT", int64(4000), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(operationID, int64(2), amount, "CREDIT", int64(3000), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE wallets SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4").
			WithArgs(int64(4000), sqlmock.AnyArg(), int64(1), 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE wallets SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4").
			WithArgs(int64(3000), sqlmock.AnyArg(), int64(2), 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		fromBalance, toBalance, err := service.TransferTx(tx, 1, 2, operationID, amount)
		assert.NoError(t, err)
		assert.Equal(t, int64(4000), fromBalance)
		assert.Equal(t, int64(3000), toBalance)
	})
}

func TestLedgerService_DebitTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	t.Run("successful debit", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("SELECT id, owner_type, owner_id, kind, balance, currency, version, updated_at FROM wallets WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(1)).
			WillReturnRows(walletRows().AddRow(1, "user", 10, "personal", 5000, "KES", 1, time.Now()))

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("op200", int64(1), int64(-2000), "DEBIT", int64(3000), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE wallets SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4").
			WithArgs(int64(3000), sqlmock.AnyArg(), int64(1), 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		newBalance, err := service.DebitTx(tx, 1, "op200", 2000)
		assert.NoError(t, err)
		assert.Equal(t, int64(3000), newBalance)
	})

	t.Run("insufficient balance leaves no writes", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("SELECT id, owner_type, owner_id, kind, balance, currency, version, updated_at FROM wallets WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(1)).
			WillReturnRows(walletRows().AddRow(1, "user", 10, "personal", 500, "KES", 1, time.Now()))

		_, err := service.DebitTx(tx, 1, "op201", 2000)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_CreditTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	t.Run("successful credit", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("SELECT id, owner_type, owner_id, kind, balance, currency, version, updated_at FROM wallets WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(2)).
			WillReturnRows(walletRows().AddRow(2, "user", 11, "personal", 1000, "KES", 3, time.Now()))

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("op202", int64(2), int64(2500), "CREDIT", int64(3500), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE wallets SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4").
			WithArgs(int64(3500), sqlmock.AnyArg(), int64(2), 3).
			WillReturnResult(sqlmock.NewResult(1, 1))

		newBalance, err := service.CreditTx(tx, 2, "op202", 2500)
		assert.NoError(t, err)
		assert.Equal(t, int64(3500), newBalance)
	})

	t.Run("missing wallet", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("SELECT id, owner_type, owner_id, kind, balance, currency, version, updated_at FROM wallets WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(99)).
			WillReturnRows(walletRows())

		_, err := service.CreditTx(tx, 99, "op203", 100)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestLedgerService_updateBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	t.Run("successful update", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectExec("UPDATE wallets SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4").
			WithArgs(int64(4000), sqlmock.AnyArg(), int64(1), 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		err := service.updateBalance(tx, 1, 4000, 1)
		assert.NoError(t, err)
	})

	t.Run("optimistic lock failure", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectExec("UPDATE wallets SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4").
			WithArgs(int64(4000), sqlmock.AnyArg(), int64(1), 1).
			WillReturnResult(sqlmock.NewResult(1, 0)) // no rows affected

		err := service.updateBalance(tx, 1, 4000, 1)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "optimistic lock failed")
	})
}
