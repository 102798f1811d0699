package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/chamavault/backend/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

// fakeRailClient scripts rail behavior for tests.
type fakeRailClient struct {
	assignedRef string
	initiateErr error
	status      string
	statusErr   error

	initiated []string
	polled    []string
}

func (f *fakeRailClient) Initiate(ctx context.Context, payment *models.PendingPayment) (string, error) {
	f.initiated = append(f.initiated, payment.RailReference)
	return f.assignedRef, f.initiateErr
}

func (f *fakeRailClient) Status(ctx context.Context, railReference string) (string, error) {
	f.polled = append(f.polled, railReference)
	return f.status, f.statusErr
}

func (f *fakeRailClient) ParseCallback(body io.Reader) (string, bool, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", false, err
	}
	parts := strings.SplitN(strings.TrimSpace(string(data)), ":", 2)
	if len(parts) != 2 {
		return "", false, fmt.Errorf("bad payload")
	}
	return parts[0], parts[1] == "ok", nil
}

func pendingPaymentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "rail", "rail_reference", "direction", "wallet_id", "user_id", "amount", "status"})
}

func expectLockPayment(mock sqlmock.Sqlmock, reference, direction, status string) {
	mock.ExpectQuery("SELECT id, rail, rail_reference, direction, wallet_id, user_id, amount, status FROM pending_payments WHERE rail_reference = \\$1 FOR UPDATE").
		WithArgs(reference).
		WillReturnRows(pendingPaymentRows().AddRow(1, "mpesa", reference, direction, 3, 10, 2000, status))
}

func TestPaymentService_SettleByReference(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	redisClient, _ := redismock.NewClientMock()
	rails := map[string]RailClient{"mpesa": &fakeRailClient{}}
	service := NewPaymentService(db, redisClient, rails)

	t.Run("settles a pending top-up and credits the wallet once", func(t *testing.T) {
		reference := "ref-settle-1"

		mock.ExpectBegin()
		expectLockPayment(mock, reference, "topup", "PENDING")

		mock.ExpectExec("UPDATE pending_payments SET status = 'SETTLED', settled_at = \\$1 WHERE rail_reference = \\$2 AND status = 'PENDING'").
			WithArgs(sqlmock.AnyArg(), reference).
			WillReturnResult(sqlmock.NewResult(1, 1))

		// Credit path through the ledger
		mock.ExpectQuery("SELECT id, owner_type, owner_id, kind, balance, currency, version, updated_at FROM wallets WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(3)).
			WillReturnRows(walletRows().AddRow(3, "user", 10, "personal", 5000, "KES", 1, time.Now()))

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(reference, int64(3), int64(2000), "CREDIT", int64(7000), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE wallets SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4").
			WithArgs(int64(7000), sqlmock.AnyArg(), int64(3), 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("INSERT INTO audit_logs").
			WithArgs(int64(10), "wallet:3", "topup", "5000", "7000", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("INSERT INTO notifications").
			WithArgs(int64(10), "money_added", "Money Added", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		err := service.SettleByReference(reference)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate settlement is a no-op", func(t *testing.T) {
		reference := "ref-settle-1"

		mock.ExpectBegin()
		expectLockPayment(mock, reference, "topup", "SETTLED")

		mock.ExpectExec("UPDATE pending_payments SET status = 'SETTLED', settled_at = \\$1 WHERE rail_reference = \\$2 AND status = 'PENDING'").
			WithArgs(sqlmock.AnyArg(), reference).
			WillReturnResult(sqlmock.NewResult(0, 0)) // already settled

		mock.ExpectRollback()

		err := service.SettleByReference(reference)
		assert.ErrorIs(t, err, ErrAlreadyProcessed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown reference", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, rail, rail_reference, direction, wallet_id, user_id, amount, status FROM pending_payments WHERE rail_reference = \\$1 FOR UPDATE").
			WithArgs("ref-unknown").
			WillReturnRows(pendingPaymentRows())
		mock.ExpectRollback()

		err := service.SettleByReference("ref-unknown")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPaymentService_FailByReference(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	redisClient, _ := redismock.NewClientMock()
	rails := map[string]RailClient{"mpesa": &fakeRailClient{}}
	service := NewPaymentService(db, redisClient, rails)

	t.Run("failed payout refunds the held debit", func(t *testing.T) {
		reference := "ref-fail-1"

		mock.ExpectBegin()
		expectLockPayment(mock, reference, "payout", "PENDING")

		mock.ExpectExec("UPDATE pending_payments SET status = 'FAILED' WHERE rail_reference = \\$1 AND status = 'PENDING'").
			WithArgs(reference).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectQuery("SELECT id, owner_type, owner_id, kind, balance, currency, version, updated_at FROM wallets WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(3)).
			WillReturnRows(walletRows().AddRow(3, "user", 10, "personal", 3000, "KES", 2, time.Now()))

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(reference+":refund", int64(3), int64(2000), "CREDIT", int64(5000), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE wallets SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4").
			WithArgs(int64(5000), sqlmock.AnyArg(), int64(3), 2).
			WillReturnResult(sqlmock.NewResult(1, 1))

		// The refund mutates a balance, so it carries its own audit row.
		mock.ExpectExec("INSERT INTO audit_logs").
			WithArgs(int64(10), "wallet:3", "refund", "3000", "5000", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("INSERT INTO notifications").
			WithArgs(int64(10), "withdrawal_failed", "Withdrawal Failed", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		err := service.FailByReference(reference)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate failure is a no-op with no refund", func(t *testing.T) {
		reference := "ref-fail-1"

		mock.ExpectBegin()
		expectLockPayment(mock, reference, "payout", "FAILED")

		mock.ExpectExec("UPDATE pending_payments SET status = 'FAILED' WHERE rail_reference = \\$1 AND status = 'PENDING'").
			WithArgs(reference).
			WillReturnResult(sqlmock.NewResult(0, 0))

		mock.ExpectRollback()

		err := service.FailByReference(reference)
		assert.ErrorIs(t, err, ErrAlreadyProcessed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPaymentService_HandleCallback(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	redisClient, _ := redismock.NewClientMock()
	rails := map[string]RailClient{"mpesa": &fakeRailClient{}}
	service := NewPaymentService(db, redisClient, rails)

	router := chi.NewRouter()
	router.Post("/payments/{rail}/callback", service.HandleCallback)

	t.Run("unknown rail", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/payments/cashapp/callback", strings.NewReader("ref:ok"))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("unparseable payload", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/payments/mpesa/callback", strings.NewReader("garbage"))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("duplicate delivery acknowledged with 200", func(t *testing.T) {
		reference := "ref-dup"

		mock.ExpectBegin()
		expectLockPayment(mock, reference, "topup", "SETTLED")
		mock.ExpectExec("UPDATE pending_payments SET status = 'SETTLED', settled_at = \\$1 WHERE rail_reference = \\$2 AND status = 'PENDING'").
			WithArgs(sqlmock.AnyArg(), reference).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		req := httptest.NewRequest("POST", "/payments/mpesa/callback", strings.NewReader(reference+":ok"))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPaymentService_TopUp(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	redisClient, _ := redismock.NewClientMock()
	rail := &fakeRailClient{}
	service := NewPaymentService(db, redisClient, map[string]RailClient{"mpesa": rail})

	t.Run("successful initiation", func(t *testing.T) {
		body := []byte(`{"walletId":3,"rail":"mpesa","phoneNumber":"+254712345678","amount":2000}`)

		mock.ExpectQuery("SELECT id, owner_type, owner_id, kind, balance, currency, version, updated_at FROM wallets WHERE id = \\$1").
			WithArgs(int64(3)).
			WillReturnRows(walletRows().AddRow(3, "user", 10, "personal", 5000, "KES", 1, time.Now()))

		mock.ExpectQuery("INSERT INTO pending_payments").
			WithArgs("mpesa", sqlmock.AnyArg(), int64(3), int64(10), int64(2000), "+254712345678", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

		w := httptest.NewRecorder()
		service.TopUp(w, authedRequest("POST", "/wallets/topup", body, "10"))

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Len(t, rail.initiated, 1)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rail-assigned reference replaces the local one", func(t *testing.T) {
		assigned := &fakeRailClient{assignedRef: "ws_CO_9001"}
		assignedService := NewPaymentService(db, redisClient, map[string]RailClient{"mpesa": assigned})

		body := []byte(`{"walletId":3,"rail":"mpesa","phoneNumber":"+254712345678","amount":2000}`)

		mock.ExpectQuery("SELECT id, owner_type, owner_id, kind, balance, currency, version, updated_at FROM wallets WHERE id = \\$1").
			WithArgs(int64(3)).
			WillReturnRows(walletRows().AddRow(3, "user", 10, "personal", 5000, "KES", 1, time.Now()))

		mock.ExpectQuery("INSERT INTO pending_payments").
			WithArgs("mpesa", sqlmock.AnyArg(), int64(3), int64(10), int64(2000), "+254712345678", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

		mock.ExpectExec("UPDATE pending_payments SET rail_reference = \\$1 WHERE id = \\$2").
			WithArgs("ws_CO_9001", int64(7)).
			WillReturnResult(sqlmock.NewResult(1, 1))

		w := httptest.NewRecorder()
		assignedService.TopUp(w, authedRequest("POST", "/wallets/topup", body, "10"))

		assert.Equal(t, http.StatusAccepted, w.Code)

		var resp APIResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		data, ok := resp.Data.(map[string]any)
		assert.True(t, ok)
		assert.Equal(t, "ws_CO_9001", data["reference"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("another user's wallet forbidden", func(t *testing.T) {
		body := []byte(`{"walletId":3,"rail":"mpesa","phoneNumber":"+254712345678","amount":2000}`)

		mock.ExpectQuery("SELECT id, owner_type, owner_id, kind, balance, currency, version, updated_at FROM wallets WHERE id = \\$1").
			WithArgs(int64(3)).
			WillReturnRows(walletRows().AddRow(3, "user", 99, "personal", 5000, "KES", 1, time.Now()))

		w := httptest.NewRecorder()
		service.TopUp(w, authedRequest("POST", "/wallets/topup", body, "10"))

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unsupported rail rejected by validation", func(t *testing.T) {
		body := []byte(`{"walletId":3,"rail":"cashapp","phoneNumber":"+254712345678","amount":2000}`)

		w := httptest.NewRecorder()
		service.TopUp(w, authedRequest("POST", "/wallets/topup", body, "10"))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
