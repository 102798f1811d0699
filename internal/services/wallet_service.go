package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/chamavault/backend/internal/audit"
	"github.com/chamavault/backend/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

type WalletService struct {
	db        *sql.DB
	redis     *redis.Client
	ledger    *LedgerService
	notifier  *Notifier
	audit     *audit.Logger
	validator *ValidationHelper
}

func NewWalletService(db *sql.DB, redisClient *redis.Client) *WalletService {
	return &WalletService{
		db:        db,
		redis:     redisClient,
		ledger:    NewLedgerService(db),
		notifier:  NewNotifier(db, redisClient),
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
	}
}

// SendRequest is a wallet-to-wallet transfer.
type SendRequest struct {
	SourceWalletID      int64  `json:"sourceWalletId" validate:"required,gt=0"`
	DestinationWalletID int64  `json:"destinationWalletId" validate:"required,gt=0"`
	Amount              int64  `json:"amount" validate:"required,gt=0"`
	Narration           string `json:"narration" validate:"max=200"`
}

// Send transfers funds between two wallets
// @Summary Send funds
// @Description Debit the source wallet and credit the destination wallet atomically
// @Tags wallets
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body SendRequest true "Transfer details"
// @Success 200 {object} APIResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /wallets/send [post]
func (s *WalletService) Send(w http.ResponseWriter, r *http.Request) {
	actorID, err := AuthenticatedUserID(r)
	if err != nil {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req SendRequest
	if !decodeJSONBody(w, r, &req, s.validator) {
		return
	}

	source, err := s.fetchWallet(req.SourceWalletID)
	if err != nil {
		s.walletError(w, "Source wallet not found", err)
		return
	}

	dest, err := s.fetchWallet(req.DestinationWalletID)
	if err != nil {
		s.walletError(w, "Destination wallet not found", err)
		return
	}

	// Owner of the source wallet may send; for a chama central wallet the
	// actor needs the send-chama-funds capability instead.
	if err := s.authorizeSpend(source, actorID); err != nil {
		log.Printf("[WALLET] Send denied for user %d on wallet %d: %v", actorID, source.ID, err)
		SendErrorResponse(w, "Not allowed to send from this wallet", http.StatusForbidden, nil)
		return
	}

	operationID := uuid.NewString()

	tx, err := s.db.Begin()
	if err != nil {
		log.Printf("[WALLET] Failed to begin transaction: %v", err)
		SendErrorResponse(w, "Failed to process transfer", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	fromBalance, _, err := s.ledger.TransferTx(tx, source.ID, dest.ID, operationID, req.Amount)
	if err != nil {
		s.audit.LogError(operationID, source.ID, err)
		s.ledgerError(w, err)
		return
	}

	if err := s.notifier.AuditTx(tx, actorID, fmt.Sprintf("wallet:%d", source.ID), "send",
		strconv.FormatInt(fromBalance+req.Amount, 10), strconv.FormatInt(fromBalance, 10),
		map[string]any{"operation_id": operationID, "destination_wallet": dest.ID, "amount": req.Amount, "narration": req.Narration}); err != nil {
		SendErrorResponse(w, "Failed to process transfer", http.StatusInternalServerError, nil)
		return
	}

	if dest.OwnerType == models.OwnerUser && dest.OwnerID != actorID {
		if err := s.notifier.NotifyTx(tx, dest.OwnerID, "money_received", "Money Received",
			fmt.Sprintf("You have received %s.", formatAmount(req.Amount, dest.Currency)),
			map[string]any{"operation_id": operationID, "wallet_id": dest.ID}); err != nil {
			SendErrorResponse(w, "Failed to process transfer", http.StatusInternalServerError, nil)
			return
		}
	}

	for _, wl := range []*models.Wallet{source, dest} {
		if wl.OwnerType == models.OwnerChama {
			amount := req.Amount
			if err := s.notifier.ActivityTx(tx, wl.OwnerID, "transfer",
				fmt.Sprintf("Funds moved between wallet %d and wallet %d", source.ID, dest.ID), &amount); err != nil {
				SendErrorResponse(w, "Failed to process transfer", http.StatusInternalServerError, nil)
				return
			}
		}
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[WALLET] Failed to commit transfer %s: %v", operationID, err)
		s.audit.LogError(operationID, source.ID, err)
		SendErrorResponse(w, "Failed to process transfer", http.StatusInternalServerError, nil)
		return
	}

	s.audit.LogTransfer(operationID, source.ID, dest.ID, req.Amount, "SUCCESS")
	s.publishWalletChanges(r, source, dest)

	if dest.OwnerType == models.OwnerUser && dest.OwnerID != actorID {
		go s.smsRecipient(dest.OwnerID, req.Amount, dest.Currency)
	}

	log.Printf("[WALLET] Transfer %s: %d -> %d amount %d", operationID, source.ID, dest.ID, req.Amount)
	SendJSONResponse(w, http.StatusOK, "Transfer successful", map[string]any{
		"operationId": operationID,
		"amount":      req.Amount,
	})
}

// LockRequest moves funds between a user's personal and locked wallets.
type LockRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

// Lock moves funds into locked savings
// @Summary Lock savings
// @Description Move funds from the personal wallet into the locked savings wallet
// @Tags wallets
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body LockRequest true "Amount to lock"
// @Success 200 {object} APIResponse
// @Failure 400 {object} ErrorResponse
// @Router /wallets/lock [post]
func (s *WalletService) Lock(w http.ResponseWriter, r *http.Request) {
	s.moveLocked(w, r, models.WalletPersonal, models.WalletLocked, "lock", "Savings Locked")
}

// Unlock moves funds out of locked savings
// @Summary Unlock savings
// @Description Move funds from the locked savings wallet back to the personal wallet
// @Tags wallets
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body LockRequest true "Amount to unlock"
// @Success 200 {object} APIResponse
// @Failure 400 {object} ErrorResponse
// @Router /wallets/unlock [post]
func (s *WalletService) Unlock(w http.ResponseWriter, r *http.Request) {
	s.moveLocked(w, r, models.WalletLocked, models.WalletPersonal, "unlock", "Savings Unlocked")
}

func (s *WalletService) moveLocked(w http.ResponseWriter, r *http.Request, fromKind, toKind models.WalletKind, action, title string) {
	actorID, err := AuthenticatedUserID(r)
	if err != nil {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req LockRequest
	if !decodeJSONBody(w, r, &req, s.validator) {
		return
	}

	source, err := s.fetchUserWallet(actorID, fromKind)
	if err != nil {
		s.walletError(w, "Wallet not found", err)
		return
	}

	dest, err := s.fetchUserWallet(actorID, toKind)
	if err != nil {
		s.walletError(w, "Wallet not found", err)
		return
	}

	operationID := uuid.NewString()

	tx, err := s.db.Begin()
	if err != nil {
		SendErrorResponse(w, "Failed to process request", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	fromBalance, _, err := s.ledger.TransferTx(tx, source.ID, dest.ID, operationID, req.Amount)
	if err != nil {
		s.audit.LogError(operationID, source.ID, err)
		s.ledgerError(w, err)
		return
	}

	if err := s.notifier.AuditTx(tx, actorID, fmt.Sprintf("wallet:%d", source.ID), action,
		strconv.FormatInt(fromBalance+req.Amount, 10), strconv.FormatInt(fromBalance, 10),
		map[string]any{"operation_id": operationID, "amount": req.Amount}); err != nil {
		SendErrorResponse(w, "Failed to process request", http.StatusInternalServerError, nil)
		return
	}

	if err := s.notifier.NotifyTx(tx, actorID, action, title,
		fmt.Sprintf("%s of %s processed.", title, formatAmount(req.Amount, source.Currency)),
		map[string]any{"operation_id": operationID}); err != nil {
		SendErrorResponse(w, "Failed to process request", http.StatusInternalServerError, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		s.audit.LogError(operationID, source.ID, err)
		SendErrorResponse(w, "Failed to process request", http.StatusInternalServerError, nil)
		return
	}

	s.audit.LogTransfer(operationID, source.ID, dest.ID, req.Amount, "SUCCESS")
	s.notifier.PublishUserChange(r.Context(), actorID, map[string]any{"type": action, "operationId": operationID})

	log.Printf("[WALLET] %s %s: user %d amount %d", action, operationID, actorID, req.Amount)
	SendJSONResponse(w, http.StatusOK, title, map[string]any{"operationId": operationID})
}

// ListWallets lists the caller's wallets
// @Summary List wallets
// @Description List the authenticated user's wallets, or a chama's wallets when chamaId is given
// @Tags wallets
// @Produce json
// @Security BearerAuth
// @Param chamaId query int false "Chama ID"
// @Success 200 {object} APIResponse
// @Failure 401 {object} ErrorResponse
// @Router /wallets [get]
func (s *WalletService) ListWallets(w http.ResponseWriter, r *http.Request) {
	actorID, err := AuthenticatedUserID(r)
	if err != nil {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	ownerType, ownerID := models.OwnerUser, actorID
	if chamaStr := r.URL.Query().Get("chamaId"); chamaStr != "" {
		chamaID, err := strconv.ParseInt(chamaStr, 10, 64)
		if err != nil {
			SendErrorResponse(w, "Invalid chamaId", http.StatusBadRequest, nil)
			return
		}
		if _, err := ActiveRole(s.db, chamaID, actorID); err != nil {
			SendErrorResponse(w, "Not a member of this chama", http.StatusForbidden, nil)
			return
		}
		ownerType, ownerID = models.OwnerChama, chamaID
	}

	rows, err := s.db.Query(`
		SELECT id, owner_type, owner_id, kind, balance, currency, version, updated_at
		FROM wallets
		WHERE owner_type = $1 AND owner_id = $2
		ORDER BY id`, ownerType, ownerID)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch wallets", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	wallets := []models.Wallet{}
	for rows.Next() {
		var wallet models.Wallet
		if err := rows.Scan(&wallet.ID, &wallet.OwnerType, &wallet.OwnerID, &wallet.Kind,
			&wallet.Balance, &wallet.Currency, &wallet.Version, &wallet.UpdatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch wallets", http.StatusInternalServerError, nil)
			return
		}
		wallets = append(wallets, wallet)
	}

	SendJSONResponse(w, http.StatusOK, "", map[string]any{"wallets": wallets, "count": len(wallets)})
}

// BalanceEnquiry returns one wallet's balance
// @Summary Get wallet balance
// @Description Retrieve the balance of a wallet the caller may view
// @Tags wallets
// @Produce json
// @Security BearerAuth
// @Param walletId path int true "Wallet ID"
// @Success 200 {object} APIResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /wallets/{walletId}/balance [get]
func (s *WalletService) BalanceEnquiry(w http.ResponseWriter, r *http.Request) {
	actorID, err := AuthenticatedUserID(r)
	if err != nil {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	walletID, err := strconv.ParseInt(chi.URLParam(r, "walletId"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid wallet ID", http.StatusBadRequest, nil)
		return
	}

	wallet, err := s.fetchWallet(walletID)
	if err != nil {
		s.walletError(w, "Wallet not found", err)
		return
	}

	if wallet.OwnerType == models.OwnerUser {
		if wallet.OwnerID != actorID {
			SendErrorResponse(w, "Not allowed to view this wallet", http.StatusForbidden, nil)
			return
		}
	} else if _, err := ActiveRole(s.db, wallet.OwnerID, actorID); err != nil {
		SendErrorResponse(w, "Not allowed to view this wallet", http.StatusForbidden, nil)
		return
	}

	SendJSONResponse(w, http.StatusOK, "", map[string]any{
		"walletId":         wallet.ID,
		"kind":             wallet.Kind,
		"availableBalance": wallet.Balance,
		"currency":         wallet.Currency,
	})
}

// Shared helpers

func (s *WalletService) authorizeSpend(wallet *models.Wallet, actorID int64) error {
	if wallet.OwnerType == models.OwnerUser {
		if wallet.OwnerID != actorID {
			return ErrForbidden
		}
		return nil
	}
	_, err := Authorize(s.db, wallet.OwnerID, actorID, OpSendChamaFunds)
	return err
}

func (s *WalletService) fetchWallet(walletID int64) (*models.Wallet, error) {
	return fetchWallet(s.db, walletID)
}

func (s *WalletService) fetchUserWallet(userID int64, kind models.WalletKind) (*models.Wallet, error) {
	var wallet models.Wallet
	err := s.db.QueryRow(`
		SELECT id, owner_type, owner_id, kind, balance, currency, version, updated_at
		FROM wallets
		WHERE owner_type = 'user' AND owner_id = $1 AND kind = $2`, userID, kind).Scan(
		&wallet.ID, &wallet.OwnerType, &wallet.OwnerID, &wallet.Kind,
		&wallet.Balance, &wallet.Currency, &wallet.Version, &wallet.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return &wallet, err
}

func (s *WalletService) walletError(w http.ResponseWriter, message string, err error) {
	if err == ErrNotFound || err == sql.ErrNoRows {
		SendErrorResponse(w, message, http.StatusNotFound, nil)
		return
	}
	SendErrorResponse(w, "Failed to fetch wallet", http.StatusInternalServerError, nil)
}

func (s *WalletService) ledgerError(w http.ResponseWriter, err error) {
	switch err {
	case ErrInsufficientBalance:
		SendErrorResponse(w, "Insufficient balance", http.StatusBadRequest, nil)
	case ErrInvalidAmount:
		SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
	case ErrCurrencyMismatch:
		SendErrorResponse(w, "Currency mismatch", http.StatusBadRequest, nil)
	case ErrNotFound:
		SendErrorResponse(w, "Wallet not found", http.StatusNotFound, nil)
	default:
		SendErrorResponse(w, "Failed to process transfer", http.StatusInternalServerError, nil)
	}
}

func (s *WalletService) publishWalletChanges(r *http.Request, wallets ...*models.Wallet) {
	for _, wallet := range wallets {
		event := map[string]any{"type": "wallet_updated", "walletId": wallet.ID}
		if wallet.OwnerType == models.OwnerChama {
			s.notifier.PublishChamaChange(r.Context(), wallet.OwnerID, event)
		} else {
			s.notifier.PublishUserChange(r.Context(), wallet.OwnerID, event)
		}
	}
}

func (s *WalletService) smsRecipient(userID, amount int64, currency string) {
	phone, err := s.notifier.UserPhone(userID)
	if err != nil {
		log.Printf("[WALLET] No phone for user %d: %v", userID, err)
		return
	}
	s.notifier.SendSMS(phone, fmt.Sprintf("You have received %s on ChamaVault.", formatAmount(amount, currency)))
}

func fetchWallet(db *sql.DB, walletID int64) (*models.Wallet, error) {
	var wallet models.Wallet
	err := db.QueryRow(`
		SELECT id, owner_type, owner_id, kind, balance, currency, version, updated_at
		FROM wallets
		WHERE id = $1`, walletID).Scan(
		&wallet.ID, &wallet.OwnerType, &wallet.OwnerID, &wallet.Kind,
		&wallet.Balance, &wallet.Currency, &wallet.Version, &wallet.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return &wallet, err
}

func formatAmount(amount int64, currency string) string {
	return fmt.Sprintf("%s %d.%02d", currency, amount/100, amount%100)
}

// decodeJSONBody applies the shared body-handling rules: size cap, unknown
// field rejection, single-object check, then struct validation. Returns
// false after writing the error response.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, vh *ValidationHelper) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := vh.ValidateStruct(dst); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}

	return true
}
