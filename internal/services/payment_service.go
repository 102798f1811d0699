package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/chamavault/backend/internal/audit"
	"github.com/chamavault/backend/internal/config"
	"github.com/chamavault/backend/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// PaymentService owns the pending_payments table: top-up and withdrawal
// initiation, rail webhook settlement and the crediting path. Settlement is
// keyed on the unique rail reference, so a replayed webhook is a no-op.
type PaymentService struct {
	db        *sql.DB
	redis     *redis.Client
	ledger    *LedgerService
	notifier  *Notifier
	audit     *audit.Logger
	validator *ValidationHelper
	rails     map[string]RailClient
}

func NewPaymentService(db *sql.DB, redisClient *redis.Client, rails map[string]RailClient) *PaymentService {
	if rails == nil {
		rails = NewRailClients(config.LoadRailsConfig())
	}
	return &PaymentService{
		db:        db,
		redis:     redisClient,
		ledger:    NewLedgerService(db),
		notifier:  NewNotifier(db, redisClient),
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
		rails:     rails,
	}
}

// TopUpRequest initiates a wallet credit through a payment rail.
type TopUpRequest struct {
	WalletID    int64  `json:"walletId" validate:"required,gt=0"`
	Rail        string `json:"rail" validate:"required,oneof=mpesa airtel paystack"`
	PhoneNumber string `json:"phoneNumber" validate:"required,e164"`
	Amount      int64  `json:"amount" validate:"required,gt=0"`
}

// WithdrawRequest initiates a payout from a wallet through a payment rail.
type WithdrawRequest struct {
	WalletID    int64  `json:"walletId" validate:"required,gt=0"`
	Rail        string `json:"rail" validate:"required,oneof=mpesa airtel paystack"`
	PhoneNumber string `json:"phoneNumber" validate:"required,e164"`
	Amount      int64  `json:"amount" validate:"required,gt=0"`
}

// TopUp starts a wallet top-up
// @Summary Top up a wallet
// @Description Initiate a collection on a payment rail; the wallet is credited when the rail confirms
// @Tags payments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body TopUpRequest true "Top-up details"
// @Success 202 {object} APIResponse
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /wallets/topup [post]
func (s *PaymentService) TopUp(w http.ResponseWriter, r *http.Request) {
	actorID, err := AuthenticatedUserID(r)
	if err != nil {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req TopUpRequest
	if !decodeJSONBody(w, r, &req, s.validator) {
		return
	}

	wallet, err := fetchWallet(s.db, req.WalletID)
	if err != nil {
		if err == ErrNotFound {
			SendErrorResponse(w, "Wallet not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to fetch wallet", http.StatusInternalServerError, nil)
		}
		return
	}
	if wallet.OwnerType != models.OwnerUser || wallet.OwnerID != actorID {
		SendErrorResponse(w, "Not allowed to top up this wallet", http.StatusForbidden, nil)
		return
	}

	payment := &models.PendingPayment{
		Rail:          req.Rail,
		RailReference: uuid.NewString(),
		Direction:     models.PaymentDirectionTopup,
		WalletID:      wallet.ID,
		UserID:        actorID,
		Amount:        req.Amount,
		PhoneNumber:   req.PhoneNumber,
		Status:        models.PaymentPending,
	}

	err = s.db.QueryRow(`
		INSERT INTO pending_payments (rail, rail_reference, direction, wallet_id, user_id, amount, phone_number, status, attempts, next_retry_at, created_at)
		VALUES ($1, $2, 'topup', $3, $4, $5, $6, 'PENDING', 0, $7, $8)
		RETURNING id`,
		req.Rail, payment.RailReference, wallet.ID, actorID, req.Amount, req.PhoneNumber,
		time.Now(), time.Now()).Scan(&payment.ID)
	if err != nil {
		log.Printf("[PAYMENT] Failed to record top-up: %v", err)
		SendErrorResponse(w, "Failed to initiate top-up", http.StatusInternalServerError, nil)
		return
	}

	railRef, err := s.rails[req.Rail].Initiate(r.Context(), payment)
	if err != nil {
		log.Printf("[PAYMENT] %s initiate failed for %s: %v", req.Rail, payment.RailReference, err)
		if ferr := s.FailByReference(payment.RailReference); ferr != nil && ferr != ErrAlreadyProcessed {
			log.Printf("[PAYMENT] Failed to mark %s failed: %v", payment.RailReference, ferr)
		}
		SendErrorResponse(w, "Payment rail unavailable", http.StatusBadGateway, nil)
		return
	}

	// Rails that assign their own transaction id report the callback under
	// that id, so settlement must key on it.
	if err := s.adoptRailReference(payment, railRef); err != nil {
		log.Printf("[PAYMENT] Failed to store %s reference %s: %v", req.Rail, railRef, err)
		SendErrorResponse(w, "Failed to initiate top-up", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[PAYMENT] Top-up %s initiated on %s for wallet %d amount %d",
		payment.RailReference, req.Rail, wallet.ID, req.Amount)
	SendJSONResponse(w, http.StatusAccepted, "Top-up initiated, confirm on your phone", map[string]any{
		"reference": payment.RailReference,
		"status":    payment.Status,
	})
}

// Withdraw starts a payout from a wallet
// @Summary Withdraw from a wallet
// @Description Debit the wallet and initiate a payout on a payment rail; a failed payout is refunded
// @Tags payments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body WithdrawRequest true "Withdrawal details"
// @Success 202 {object} APIResponse
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /wallets/withdraw [post]
func (s *PaymentService) Withdraw(w http.ResponseWriter, r *http.Request) {
	actorID, err := AuthenticatedUserID(r)
	if err != nil {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req WithdrawRequest
	if !decodeJSONBody(w, r, &req, s.validator) {
		return
	}

	wallet, err := fetchWallet(s.db, req.WalletID)
	if err != nil {
		if err == ErrNotFound {
			SendErrorResponse(w, "Wallet not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to fetch wallet", http.StatusInternalServerError, nil)
		}
		return
	}
	if wallet.OwnerType != models.OwnerUser || wallet.OwnerID != actorID {
		SendErrorResponse(w, "Not allowed to withdraw from this wallet", http.StatusForbidden, nil)
		return
	}

	payment := &models.PendingPayment{
		Rail:          req.Rail,
		RailReference: uuid.NewString(),
		Direction:     models.PaymentDirectionPayout,
		WalletID:      wallet.ID,
		UserID:        actorID,
		Amount:        req.Amount,
		PhoneNumber:   req.PhoneNumber,
		Status:        models.PaymentPending,
	}

	// Debit and pending-payout insert commit together, so the held funds can
	// always be traced back to a pending row.
	tx, err := s.db.Begin()
	if err != nil {
		SendErrorResponse(w, "Failed to initiate withdrawal", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	heldBalance, err := s.ledger.DebitTx(tx, wallet.ID, payment.RailReference, req.Amount)
	if err != nil {
		s.audit.LogError(payment.RailReference, wallet.ID, err)
		switch err {
		case ErrInsufficientBalance:
			SendErrorResponse(w, "Insufficient balance", http.StatusBadRequest, nil)
		case ErrInvalidAmount:
			SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		default:
			SendErrorResponse(w, "Failed to initiate withdrawal", http.StatusInternalServerError, nil)
		}
		return
	}

	err = tx.QueryRow(`
		INSERT INTO pending_payments (rail, rail_reference, direction, wallet_id, user_id, amount, phone_number, status, attempts, next_retry_at, created_at)
		VALUES ($1, $2, 'payout', $3, $4, $5, $6, 'PENDING', 0, $7, $8)
		RETURNING id`,
		req.Rail, payment.RailReference, wallet.ID, actorID, req.Amount, req.PhoneNumber,
		time.Now(), time.Now()).Scan(&payment.ID)
	if err != nil {
		SendErrorResponse(w, "Failed to initiate withdrawal", http.StatusInternalServerError, nil)
		return
	}

	if err := s.notifier.AuditTx(tx, actorID, fmt.Sprintf("wallet:%d", wallet.ID), "withdraw",
		strconv.FormatInt(heldBalance+req.Amount, 10), strconv.FormatInt(heldBalance, 10),
		map[string]any{"operation_id": payment.RailReference, "rail": req.Rail, "amount": req.Amount}); err != nil {
		SendErrorResponse(w, "Failed to initiate withdrawal", http.StatusInternalServerError, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		s.audit.LogError(payment.RailReference, wallet.ID, err)
		SendErrorResponse(w, "Failed to initiate withdrawal", http.StatusInternalServerError, nil)
		return
	}

	s.audit.LogOperation(payment.RailReference, wallet.ID, "WITHDRAW_HELD",
		fmt.Sprintf("Debited %d pending payout via %s", req.Amount, req.Rail))
	s.notifier.PublishUserChange(r.Context(), actorID,
		map[string]any{"type": "wallet_updated", "walletId": wallet.ID})

	railRef, err := s.rails[req.Rail].Initiate(r.Context(), payment)
	if err != nil {
		log.Printf("[PAYMENT] %s payout initiate failed for %s, refunding: %v", req.Rail, payment.RailReference, err)
		if ferr := s.FailByReference(payment.RailReference); ferr != nil && ferr != ErrAlreadyProcessed {
			log.Printf("[PAYMENT] Failed to refund %s: %v", payment.RailReference, ferr)
		}
		SendErrorResponse(w, "Payment rail unavailable", http.StatusBadGateway, nil)
		return
	}

	if err := s.adoptRailReference(payment, railRef); err != nil {
		log.Printf("[PAYMENT] Failed to store %s reference %s: %v", req.Rail, railRef, err)
		SendErrorResponse(w, "Failed to initiate withdrawal", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[PAYMENT] Withdrawal %s initiated on %s for wallet %d amount %d",
		payment.RailReference, req.Rail, wallet.ID, req.Amount)
	SendJSONResponse(w, http.StatusAccepted, "Withdrawal initiated", map[string]any{
		"reference": payment.RailReference,
		"status":    payment.Status,
	})
}

// HandleCallback settles one pending payment from a rail webhook
// @Summary Payment rail callback
// @Description Webhook endpoint for rail settlement notifications; duplicate deliveries are acknowledged without re-applying
// @Tags payments
// @Accept json
// @Produce json
// @Param rail path string true "Rail name" Enums(mpesa, airtel, paystack)
// @Success 200 {object} APIResponse
// @Failure 400 {object} ErrorResponse
// @Router /payments/{rail}/callback [post]
func (s *PaymentService) HandleCallback(w http.ResponseWriter, r *http.Request) {
	rail := chi.URLParam(r, "rail")
	client, ok := s.rails[rail]
	if !ok {
		SendErrorResponse(w, "Unknown payment rail", http.StatusNotFound, nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	reference, success, err := client.ParseCallback(r.Body)
	if err != nil {
		log.Printf("[PAYMENT] Unparseable %s callback: %v", rail, err)
		SendErrorResponse(w, "Invalid callback payload", http.StatusBadRequest, nil)
		return
	}

	log.Printf("[PAYMENT] %s callback for %s success=%v", rail, reference, success)

	if success {
		err = s.SettleByReference(reference)
	} else {
		err = s.FailByReference(reference)
	}

	switch err {
	case nil, ErrAlreadyProcessed:
		// Rails retry until acknowledged; a duplicate is still a success.
		SendJSONResponse(w, http.StatusOK, "Callback processed", map[string]any{"reference": reference})
	case ErrNotFound:
		SendErrorResponse(w, "Unknown payment reference", http.StatusNotFound, nil)
	default:
		log.Printf("[PAYMENT] Callback processing failed for %s: %v", reference, err)
		SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
	}
}

// SettleByReference flips a pending payment to SETTLED and runs the
// crediting path. The conditional update on (reference, PENDING) makes
// duplicate settlement attempts no-ops.
func (s *PaymentService) SettleByReference(reference string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	payment, err := s.lockPayment(tx, reference)
	if err != nil {
		return err
	}

	result, err := tx.Exec(`
		UPDATE pending_payments SET status = 'SETTLED', settled_at = $1
		WHERE rail_reference = $2 AND status = 'PENDING'`,
		time.Now(), reference)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrAlreadyProcessed
	}

	if payment.Direction == models.PaymentDirectionTopup {
		newBalance, err := s.ledger.CreditTx(tx, payment.WalletID, reference, payment.Amount)
		if err != nil {
			s.audit.LogError(reference, payment.WalletID, err)
			return err
		}

		if err := s.notifier.AuditTx(tx, payment.UserID, fmt.Sprintf("wallet:%d", payment.WalletID), "topup",
			strconv.FormatInt(newBalance-payment.Amount, 10), strconv.FormatInt(newBalance, 10),
			map[string]any{"operation_id": reference, "rail": payment.Rail}); err != nil {
			return err
		}

		if err := s.notifier.NotifyTx(tx, payment.UserID, "money_added", "Money Added",
			fmt.Sprintf("Your top-up of %s has been received.", formatAmount(payment.Amount, "KES")),
			map[string]any{"operation_id": reference, "rail": payment.Rail}); err != nil {
			return err
		}
	} else {
		if err := s.notifier.NotifyTx(tx, payment.UserID, "withdrawal_completed", "Withdrawal Completed",
			fmt.Sprintf("Your withdrawal of %s has been paid out.", formatAmount(payment.Amount, "KES")),
			map[string]any{"operation_id": reference, "rail": payment.Rail}); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		s.audit.LogError(reference, payment.WalletID, err)
		return err
	}

	s.audit.LogOperation(reference, payment.WalletID, "PAYMENT_SETTLED",
		fmt.Sprintf("%s %s settled for %d", payment.Rail, payment.Direction, payment.Amount))
	s.notifier.PublishUserChange(context.Background(), payment.UserID,
		map[string]any{"type": "payment_settled", "reference": reference, "walletId": payment.WalletID})
	return nil
}

// FailByReference flips a pending payment to FAILED. A failed payout refunds
// the held debit in the same transaction.
func (s *PaymentService) FailByReference(reference string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	payment, err := s.lockPayment(tx, reference)
	if err != nil {
		return err
	}

	result, err := tx.Exec(`
		UPDATE pending_payments SET status = 'FAILED'
		WHERE rail_reference = $1 AND status = 'PENDING'`, reference)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrAlreadyProcessed
	}

	if payment.Direction == models.PaymentDirectionPayout {
		newBalance, err := s.ledger.CreditTx(tx, payment.WalletID, reference+":refund", payment.Amount)
		if err != nil {
			s.audit.LogError(reference, payment.WalletID, err)
			return err
		}

		if err := s.notifier.AuditTx(tx, payment.UserID, fmt.Sprintf("wallet:%d", payment.WalletID), "refund",
			strconv.FormatInt(newBalance-payment.Amount, 10), strconv.FormatInt(newBalance, 10),
			map[string]any{"operation_id": reference, "rail": payment.Rail}); err != nil {
			return err
		}

		if err := s.notifier.NotifyTx(tx, payment.UserID, "withdrawal_failed", "Withdrawal Failed",
			fmt.Sprintf("Your withdrawal of %s failed and has been refunded.", formatAmount(payment.Amount, "KES")),
			map[string]any{"operation_id": reference, "rail": payment.Rail}); err != nil {
			return err
		}
	} else {
		if err := s.notifier.NotifyTx(tx, payment.UserID, "topup_failed", "Top-up Failed",
			fmt.Sprintf("Your top-up of %s was not completed.", formatAmount(payment.Amount, "KES")),
			map[string]any{"operation_id": reference, "rail": payment.Rail}); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.audit.LogOperation(reference, payment.WalletID, "PAYMENT_FAILED",
		fmt.Sprintf("%s %s failed", payment.Rail, payment.Direction))
	s.notifier.PublishUserChange(context.Background(), payment.UserID,
		map[string]any{"type": "payment_failed", "reference": reference, "walletId": payment.WalletID})
	return nil
}

// adoptRailReference replaces the locally generated reference with the one
// the rail assigned during initiation. Callbacks arrive keyed on the rail's
// reference, so the stored row has to carry it before settlement can match.
func (s *PaymentService) adoptRailReference(payment *models.PendingPayment, railRef string) error {
	if railRef == "" || railRef == payment.RailReference {
		return nil
	}

	_, err := s.db.Exec(`
		UPDATE pending_payments SET rail_reference = $1 WHERE id = $2`,
		railRef, payment.ID)
	if err != nil {
		return err
	}

	payment.RailReference = railRef
	return nil
}

func (s *PaymentService) lockPayment(tx *sql.Tx, reference string) (*models.PendingPayment, error) {
	var payment models.PendingPayment
	err := tx.QueryRow(`
		SELECT id, rail, rail_reference, direction, wallet_id, user_id, amount, status
		FROM pending_payments
		WHERE rail_reference = $1
		FOR UPDATE`, reference).Scan(
		&payment.ID, &payment.Rail, &payment.RailReference, &payment.Direction,
		&payment.WalletID, &payment.UserID, &payment.Amount, &payment.Status)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return &payment, err
}
