package services

import (
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/chamavault/backend/internal/audit"
	"github.com/chamavault/backend/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

type LoanService struct {
	db        *sql.DB
	redis     *redis.Client
	ledger    *LedgerService
	notifier  *Notifier
	audit     *audit.Logger
	validator *ValidationHelper
}

func NewLoanService(db *sql.DB, redisClient *redis.Client) *LoanService {
	return &LoanService{
		db:        db,
		redis:     redisClient,
		ledger:    NewLedgerService(db),
		notifier:  NewNotifier(db, redisClient),
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
	}
}

type RequestLoanRequest struct {
	Amount  int64  `json:"amount" validate:"required,gt=0"`
	Purpose string `json:"purpose" validate:"required,max=200"`
	DueDate string `json:"dueDate" validate:"omitempty,datetime=2006-01-02"`
}

type RepayLoanRequest struct {
	Amount int64  `json:"amount" validate:"required,gt=0"`
	Method string `json:"method" validate:"omitempty,oneof=wallet mpesa airtel paystack"`
}

// RequestLoan creates a pending loan request
// @Summary Request a loan
// @Description Create a pending loan request against a chama
// @Tags loans
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param chamaId path int true "Chama ID"
// @Param request body RequestLoanRequest true "Loan request"
// @Success 201 {object} APIResponse
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /chamas/{chamaId}/loans [post]
func (s *LoanService) RequestLoan(w http.ResponseWriter, r *http.Request) {
	actorID, err := AuthenticatedUserID(r)
	if err != nil {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	chamaID, err := strconv.ParseInt(chi.URLParam(r, "chamaId"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid chama ID", http.StatusBadRequest, nil)
		return
	}

	if _, err := Authorize(s.db, chamaID, actorID, OpRequestLoan); err != nil {
		SendErrorResponse(w, "Not an active member of this chama", http.StatusForbidden, nil)
		return
	}

	var req RequestLoanRequest
	if !decodeJSONBody(w, r, &req, s.validator) {
		return
	}

	var dueDate *time.Time
	if req.DueDate != "" {
		parsed, _ := time.Parse("2006-01-02", req.DueDate)
		dueDate = &parsed
	}

	var loanID int64
	err = s.db.QueryRow(`
		INSERT INTO loans (chama_id, borrower_id, principal, amount_paid, status, reward, purpose, due_date, created_at)
		VALUES ($1, $2, $3, 0, 'pending', false, $4, $5, $6)
		RETURNING id`,
		chamaID, actorID, req.Amount, req.Purpose, dueDate, time.Now()).Scan(&loanID)
	if err != nil {
		log.Printf("[LOAN] Failed to create loan request: %v", err)
		SendErrorResponse(w, "Failed to create loan request", http.StatusInternalServerError, nil)
		return
	}

	s.notifier.PublishChamaChange(r.Context(), chamaID, map[string]any{"type": "loan_requested", "loanId": loanID})

	log.Printf("[LOAN] Loan %d requested by user %d in chama %d for %d", loanID, actorID, chamaID, req.Amount)
	SendJSONResponse(w, http.StatusCreated, "Loan request submitted", map[string]any{"loanId": loanID})
}

// ApproveLoan approves and disburses a pending loan
// @Summary Approve a loan
// @Description Approve a pending loan and disburse from the chama central wallet
// @Tags loans
// @Produce json
// @Security BearerAuth
// @Param loanId path int true "Loan ID"
// @Success 200 {object} APIResponse
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /loans/{loanId}/approve [post]
func (s *LoanService) ApproveLoan(w http.ResponseWriter, r *http.Request) {
	actorID, err := AuthenticatedUserID(r)
	if err != nil {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	loanID, err := strconv.ParseInt(chi.URLParam(r, "loanId"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid loan ID", http.StatusBadRequest, nil)
		return
	}

	loan, err := s.fetchLoan(loanID)
	if err != nil {
		s.loanError(w, err)
		return
	}

	if _, err := Authorize(s.db, loan.ChamaID, actorID, OpApproveLoan); err != nil {
		SendErrorResponse(w, "Not allowed to approve loans", http.StatusForbidden, nil)
		return
	}

	if loan.Status != models.LoanPending {
		SendErrorResponse(w, "Loan is not pending approval", http.StatusBadRequest, nil)
		return
	}

	central, err := s.chamaCentralWallet(loan.ChamaID)
	if err != nil {
		s.loanError(w, err)
		return
	}

	borrowerWallet, err := s.userPersonalWallet(loan.BorrowerID)
	if err != nil {
		s.loanError(w, err)
		return
	}

	operationID := uuid.NewString()

	tx, err := s.db.Begin()
	if err != nil {
		SendErrorResponse(w, "Failed to approve loan", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	if _, _, err := s.ledger.TransferTx(tx, central.ID, borrowerWallet.ID, operationID, loan.Principal); err != nil {
		s.audit.LogError(operationID, central.ID, err)
		s.disbursementError(w, err)
		return
	}

	result, err := tx.Exec(`
		UPDATE loans SET status = 'active' WHERE id = $1 AND status = 'pending'`, loanID)
	if err != nil {
		SendErrorResponse(w, "Failed to approve loan", http.StatusInternalServerError, nil)
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		SendErrorResponse(w, "Loan is not pending approval", http.StatusBadRequest, nil)
		return
	}

	if err := s.notifier.AuditTx(tx, actorID, fmt.Sprintf("loan:%d", loanID), "approve_loan",
		models.LoanPending, models.LoanActive,
		map[string]any{"operation_id": operationID, "principal": loan.Principal}); err != nil {
		SendErrorResponse(w, "Failed to approve loan", http.StatusInternalServerError, nil)
		return
	}

	if err := s.notifier.NotifyTx(tx, loan.BorrowerID, "loan_approved", "Loan Approved",
		fmt.Sprintf("Your loan of %s has been approved and disbursed.", formatAmount(loan.Principal, central.Currency)),
		map[string]any{"loan_id": loanID, "operation_id": operationID}); err != nil {
		SendErrorResponse(w, "Failed to approve loan", http.StatusInternalServerError, nil)
		return
	}

	if err := s.notifier.ActivityTx(tx, loan.ChamaID, "loan_disbursed",
		fmt.Sprintf("Loan %d disbursed to member %d", loanID, loan.BorrowerID), &loan.Principal); err != nil {
		SendErrorResponse(w, "Failed to approve loan", http.StatusInternalServerError, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		s.audit.LogError(operationID, central.ID, err)
		SendErrorResponse(w, "Failed to approve loan", http.StatusInternalServerError, nil)
		return
	}

	s.audit.LogTransfer(operationID, central.ID, borrowerWallet.ID, loan.Principal, "SUCCESS")
	s.notifier.PublishChamaChange(r.Context(), loan.ChamaID, map[string]any{"type": "loan_approved", "loanId": loanID})
	s.notifier.PublishUserChange(r.Context(), loan.BorrowerID, map[string]any{"type": "loan_approved", "loanId": loanID})

	log.Printf("[LOAN] Loan %d approved by user %d, disbursed %d", loanID, actorID, loan.Principal)
	SendJSONResponse(w, http.StatusOK, "Loan approved and disbursed", map[string]any{"loanId": loanID, "operationId": operationID})
}

// RepayLoan applies a repayment from the borrower's wallet
// @Summary Repay a loan
// @Description Debit the borrower's wallet, credit the chama central wallet and update the loan
// @Tags loans
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param loanId path int true "Loan ID"
// @Param request body RepayLoanRequest true "Repayment"
// @Success 200 {object} APIResponse
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /loans/{loanId}/repay [post]
func (s *LoanService) RepayLoan(w http.ResponseWriter, r *http.Request) {
	actorID, err := AuthenticatedUserID(r)
	if err != nil {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	loanID, err := strconv.ParseInt(chi.URLParam(r, "loanId"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid loan ID", http.StatusBadRequest, nil)
		return
	}

	var req RepayLoanRequest
	if !decodeJSONBody(w, r, &req, s.validator) {
		return
	}
	if req.Method == "" {
		req.Method = "wallet"
	}

	loan, err := s.fetchLoan(loanID)
	if err != nil {
		s.loanError(w, err)
		return
	}

	if loan.BorrowerID != actorID {
		SendErrorResponse(w, "Only the borrower may repay this loan", http.StatusForbidden, nil)
		return
	}

	if _, err := Authorize(s.db, loan.ChamaID, actorID, OpRepayLoan); err != nil {
		SendErrorResponse(w, "Not an active member of this chama", http.StatusForbidden, nil)
		return
	}

	borrowerWallet, err := s.userPersonalWallet(actorID)
	if err != nil {
		s.loanError(w, err)
		return
	}

	central, err := s.chamaCentralWallet(loan.ChamaID)
	if err != nil {
		s.loanError(w, err)
		return
	}

	operationID := uuid.NewString()

	tx, err := s.db.Begin()
	if err != nil {
		SendErrorResponse(w, "Failed to process repayment", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	// Re-read the loan under lock so concurrent repayments serialize and
	// the completed transition happens exactly once.
	var principal, amountPaid int64
	var status string
	err = tx.QueryRow(`
		SELECT principal, amount_paid, status FROM loans WHERE id = $1 FOR UPDATE`, loanID).
		Scan(&principal, &amountPaid, &status)
	if err != nil {
		s.loanError(w, err)
		return
	}

	if status == models.LoanCompleted {
		s.disbursementError(w, ErrLoanCompleted)
		return
	}
	if status != models.LoanActive && status != models.LoanOverdue {
		SendErrorResponse(w, "Loan is not active", http.StatusBadRequest, nil)
		return
	}

	outstanding := principal - amountPaid
	if req.Amount > outstanding {
		s.disbursementError(w, ErrExceedsOutstanding)
		return
	}

	if _, _, err := s.ledger.TransferTx(tx, borrowerWallet.ID, central.ID, operationID, req.Amount); err != nil {
		s.audit.LogError(operationID, borrowerWallet.ID, err)
		s.disbursementError(w, err)
		return
	}

	newPaid := amountPaid + req.Amount
	completed := newPaid >= principal

	newStatus := status
	if completed {
		newStatus = models.LoanCompleted
	}
	_, err = tx.Exec(`
		UPDATE loans SET amount_paid = $1, status = $2, reward = reward OR $3 WHERE id = $4`,
		newPaid, newStatus, completed, loanID)
	if err != nil {
		SendErrorResponse(w, "Failed to process repayment", http.StatusInternalServerError, nil)
		return
	}

	_, err = tx.Exec(`
		INSERT INTO repayments (loan_id, amount, method, status, created_at)
		VALUES ($1, $2, $3, 'completed', $4)`,
		loanID, req.Amount, req.Method, time.Now())
	if err != nil {
		SendErrorResponse(w, "Failed to process repayment", http.StatusInternalServerError, nil)
		return
	}

	if err := s.notifier.AuditTx(tx, actorID, fmt.Sprintf("loan:%d", loanID), "repay_loan",
		strconv.FormatInt(amountPaid, 10), strconv.FormatInt(newPaid, 10),
		map[string]any{"operation_id": operationID, "amount": req.Amount, "method": req.Method}); err != nil {
		SendErrorResponse(w, "Failed to process repayment", http.StatusInternalServerError, nil)
		return
	}

	title, message := "Repayment Received", fmt.Sprintf("Repayment of %s applied to your loan.", formatAmount(req.Amount, central.Currency))
	if completed {
		title, message = "Loan Completed", "Congratulations! Your loan is fully repaid and your reward badge has been earned."
	}
	if err := s.notifier.NotifyTx(tx, actorID, "loan_repayment", title, message,
		map[string]any{"loan_id": loanID, "operation_id": operationID, "completed": completed}); err != nil {
		SendErrorResponse(w, "Failed to process repayment", http.StatusInternalServerError, nil)
		return
	}

	if err := s.notifier.ActivityTx(tx, loan.ChamaID, "loan_repayment",
		fmt.Sprintf("Member %d repaid %d on loan %d", actorID, req.Amount, loanID), &req.Amount); err != nil {
		SendErrorResponse(w, "Failed to process repayment", http.StatusInternalServerError, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		s.audit.LogError(operationID, borrowerWallet.ID, err)
		SendErrorResponse(w, "Failed to process repayment", http.StatusInternalServerError, nil)
		return
	}

	s.audit.LogTransfer(operationID, borrowerWallet.ID, central.ID, req.Amount, "SUCCESS")
	s.notifier.PublishChamaChange(r.Context(), loan.ChamaID, map[string]any{"type": "loan_repayment", "loanId": loanID})
	s.notifier.PublishUserChange(r.Context(), actorID, map[string]any{"type": "loan_repayment", "loanId": loanID})

	log.Printf("[LOAN] Repayment %s: loan %d amount %d paid %d/%d completed=%v",
		operationID, loanID, req.Amount, newPaid, principal, completed)
	SendJSONResponse(w, http.StatusOK, "Repayment successful", map[string]any{
		"loanId":      loanID,
		"operationId": operationID,
		"amountPaid":  newPaid,
		"outstanding": principal - newPaid,
		"completed":   completed,
	})
}

// ListLoans lists a chama's loans
// @Summary List loans
// @Description List loans for a chama the caller belongs to
// @Tags loans
// @Produce json
// @Security BearerAuth
// @Param chamaId path int true "Chama ID"
// @Success 200 {object} APIResponse
// @Failure 403 {object} ErrorResponse
// @Router /chamas/{chamaId}/loans [get]
func (s *LoanService) ListLoans(w http.ResponseWriter, r *http.Request) {
	actorID, err := AuthenticatedUserID(r)
	if err != nil {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	chamaID, err := strconv.ParseInt(chi.URLParam(r, "chamaId"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid chama ID", http.StatusBadRequest, nil)
		return
	}

	if _, err := ActiveRole(s.db, chamaID, actorID); err != nil {
		SendErrorResponse(w, "Not a member of this chama", http.StatusForbidden, nil)
		return
	}

	rows, err := s.db.Query(`
		SELECT id, chama_id, borrower_id, principal, amount_paid, status, reward, purpose, due_date, created_at
		FROM loans
		WHERE chama_id = $1
		ORDER BY created_at DESC`, chamaID)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch loans", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	loans := []models.Loan{}
	for rows.Next() {
		var loan models.Loan
		if err := rows.Scan(&loan.ID, &loan.ChamaID, &loan.BorrowerID, &loan.Principal, &loan.AmountPaid,
			&loan.Status, &loan.Reward, &loan.Purpose, &loan.DueDate, &loan.CreatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch loans", http.StatusInternalServerError, nil)
			return
		}
		loans = append(loans, loan)
	}

	SendJSONResponse(w, http.StatusOK, "", map[string]any{"loans": loans, "count": len(loans)})
}

func (s *LoanService) fetchLoan(loanID int64) (*models.Loan, error) {
	var loan models.Loan
	err := s.db.QueryRow(`
		SELECT id, chama_id, borrower_id, principal, amount_paid, status, reward, purpose, due_date, created_at
		FROM loans
		WHERE id = $1`, loanID).Scan(
		&loan.ID, &loan.ChamaID, &loan.BorrowerID, &loan.Principal, &loan.AmountPaid,
		&loan.Status, &loan.Reward, &loan.Purpose, &loan.DueDate, &loan.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return &loan, err
}

func (s *LoanService) chamaCentralWallet(chamaID int64) (*models.Wallet, error) {
	var wallet models.Wallet
	err := s.db.QueryRow(`
		SELECT id, owner_type, owner_id, kind, balance, currency, version, updated_at
		FROM wallets
		WHERE owner_type = 'chama' AND owner_id = $1 AND kind = 'chama_central'`, chamaID).Scan(
		&wallet.ID, &wallet.OwnerType, &wallet.OwnerID, &wallet.Kind,
		&wallet.Balance, &wallet.Currency, &wallet.Version, &wallet.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return &wallet, err
}

func (s *LoanService) userPersonalWallet(userID int64) (*models.Wallet, error) {
	var wallet models.Wallet
	err := s.db.QueryRow(`
		SELECT id, owner_type, owner_id, kind, balance, currency, version, updated_at
		FROM wallets
		WHERE owner_type = 'user' AND owner_id = $1 AND kind = 'personal'`, userID).Scan(
		&wallet.ID, &wallet.OwnerType, &wallet.OwnerID, &wallet.Kind,
		&wallet.Balance, &wallet.Currency, &wallet.Version, &wallet.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return &wallet, err
}

func (s *LoanService) loanError(w http.ResponseWriter, err error) {
	if err == ErrNotFound || err == sql.ErrNoRows {
		SendErrorResponse(w, "Loan not found", http.StatusNotFound, nil)
		return
	}
	SendErrorResponse(w, "Failed to fetch loan", http.StatusInternalServerError, nil)
}

func (s *LoanService) disbursementError(w http.ResponseWriter, err error) {
	switch err {
	case ErrInsufficientBalance:
		SendErrorResponse(w, "Insufficient balance", http.StatusBadRequest, nil)
	case ErrInvalidAmount:
		SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
	case ErrLoanCompleted:
		SendErrorResponse(w, "Loan already completed", http.StatusBadRequest, nil)
	case ErrExceedsOutstanding:
		SendErrorResponse(w, "Amount exceeds outstanding balance", http.StatusBadRequest, nil)
	case ErrNotFound:
		SendErrorResponse(w, "Wallet not found", http.StatusNotFound, nil)
	default:
		SendErrorResponse(w, "Failed to process transfer", http.StatusInternalServerError, nil)
	}
}
