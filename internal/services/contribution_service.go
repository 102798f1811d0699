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

type ContributionService struct {
	db        *sql.DB
	redis     *redis.Client
	ledger    *LedgerService
	notifier  *Notifier
	audit     *audit.Logger
	validator *ValidationHelper
}

func NewContributionService(db *sql.DB, redisClient *redis.Client) *ContributionService {
	return &ContributionService{
		db:        db,
		redis:     redisClient,
		ledger:    NewLedgerService(db),
		notifier:  NewNotifier(db, redisClient),
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
	}
}

type RecordContributionRequest struct {
	Amount int64  `json:"amount" validate:"required,gt=0"`
	Cycle  string `json:"cycle" validate:"required,max=20"`
}

type VerifyContributionRequest struct {
	Approve bool   `json:"approve"`
	Note    string `json:"note" validate:"max=200"`
}

// RecordContribution moves a member's contribution into the chama
// @Summary Record a contribution
// @Description Transfer from the member's wallet to the chama central wallet and record a pending contribution
// @Tags contributions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param chamaId path int true "Chama ID"
// @Param request body RecordContributionRequest true "Contribution"
// @Success 201 {object} APIResponse
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /chamas/{chamaId}/contributions [post]
func (s *ContributionService) RecordContribution(w http.ResponseWriter, r *http.Request) {
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

	if _, err := Authorize(s.db, chamaID, actorID, OpRecordContribution); err != nil {
		SendErrorResponse(w, "Not an active member of this chama", http.StatusForbidden, nil)
		return
	}

	var req RecordContributionRequest
	if !decodeJSONBody(w, r, &req, s.validator) {
		return
	}

	memberWallet, err := s.walletByOwner(models.OwnerUser, actorID, models.WalletPersonal)
	if err != nil {
		SendErrorResponse(w, "Wallet not found", http.StatusNotFound, nil)
		return
	}

	central, err := s.walletByOwner(models.OwnerChama, chamaID, models.WalletChamaCentral)
	if err != nil {
		SendErrorResponse(w, "Chama wallet not found", http.StatusNotFound, nil)
		return
	}

	operationID := uuid.NewString()

	tx, err := s.db.Begin()
	if err != nil {
		SendErrorResponse(w, "Failed to record contribution", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	if _, _, err := s.ledger.TransferTx(tx, memberWallet.ID, central.ID, operationID, req.Amount); err != nil {
		s.audit.LogError(operationID, memberWallet.ID, err)
		switch err {
		case ErrInsufficientBalance:
			SendErrorResponse(w, "Insufficient balance", http.StatusBadRequest, nil)
		case ErrInvalidAmount:
			SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		default:
			SendErrorResponse(w, "Failed to record contribution", http.StatusInternalServerError, nil)
		}
		return
	}

	var contributionID int64
	err = tx.QueryRow(`
		INSERT INTO contributions (chama_id, user_id, amount, cycle, status, created_at)
		VALUES ($1, $2, $3, $4, 'pending', $5)
		RETURNING id`,
		chamaID, actorID, req.Amount, req.Cycle, time.Now()).Scan(&contributionID)
	if err != nil {
		SendErrorResponse(w, "Failed to record contribution", http.StatusInternalServerError, nil)
		return
	}

	if err := s.notifier.AuditTx(tx, actorID, fmt.Sprintf("contribution:%d", contributionID), "record_contribution",
		"", models.ContributionPending,
		map[string]any{"operation_id": operationID, "amount": req.Amount, "cycle": req.Cycle}); err != nil {
		SendErrorResponse(w, "Failed to record contribution", http.StatusInternalServerError, nil)
		return
	}

	if err := s.notifier.ActivityTx(tx, chamaID, "contribution",
		fmt.Sprintf("Member %d contributed for cycle %s", actorID, req.Cycle), &req.Amount); err != nil {
		SendErrorResponse(w, "Failed to record contribution", http.StatusInternalServerError, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		s.audit.LogError(operationID, memberWallet.ID, err)
		SendErrorResponse(w, "Failed to record contribution", http.StatusInternalServerError, nil)
		return
	}

	s.audit.LogTransfer(operationID, memberWallet.ID, central.ID, req.Amount, "SUCCESS")
	s.notifier.PublishChamaChange(r.Context(), chamaID, map[string]any{"type": "contribution_recorded", "contributionId": contributionID})

	log.Printf("[CONTRIBUTION] %s: member %d contributed %d to chama %d (cycle %s)",
		operationID, actorID, req.Amount, chamaID, req.Cycle)
	SendJSONResponse(w, http.StatusCreated, "Contribution recorded, pending verification", map[string]any{
		"contributionId": contributionID,
		"operationId":    operationID,
	})
}

// VerifyContribution settles a pending contribution's status
// @Summary Verify a contribution
// @Description Approve or reject a pending contribution; only admin, treasurer or chairman
// @Tags contributions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param contributionId path int true "Contribution ID"
// @Param request body VerifyContributionRequest true "Verification decision"
// @Success 200 {object} APIResponse
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /contributions/{contributionId}/verify [post]
func (s *ContributionService) VerifyContribution(w http.ResponseWriter, r *http.Request) {
	actorID, err := AuthenticatedUserID(r)
	if err != nil {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	contributionID, err := strconv.ParseInt(chi.URLParam(r, "contributionId"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid contribution ID", http.StatusBadRequest, nil)
		return
	}

	var req VerifyContributionRequest
	if !decodeJSONBody(w, r, &req, s.validator) {
		return
	}

	var contribution models.Contribution
	err = s.db.QueryRow(`
		SELECT id, chama_id, user_id, amount, cycle, status FROM contributions WHERE id = $1`,
		contributionID).Scan(&contribution.ID, &contribution.ChamaID, &contribution.UserID,
		&contribution.Amount, &contribution.Cycle, &contribution.Status)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Contribution not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to fetch contribution", http.StatusInternalServerError, nil)
		}
		return
	}

	if _, err := Authorize(s.db, contribution.ChamaID, actorID, OpVerifyContribution); err != nil {
		SendErrorResponse(w, "Not allowed to verify contributions", http.StatusForbidden, nil)
		return
	}

	newStatus := models.ContributionVerified
	if !req.Approve {
		newStatus = models.ContributionRejected
	}

	tx, err := s.db.Begin()
	if err != nil {
		SendErrorResponse(w, "Failed to verify contribution", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	// Conditional transition: a contribution is verified at most once.
	result, err := tx.Exec(`
		UPDATE contributions SET status = $1, verified_by = $2 WHERE id = $3 AND status = 'pending'`,
		newStatus, actorID, contributionID)
	if err != nil {
		SendErrorResponse(w, "Failed to verify contribution", http.StatusInternalServerError, nil)
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		SendErrorResponse(w, "Contribution already verified", http.StatusBadRequest, nil)
		return
	}

	if err := s.notifier.AuditTx(tx, actorID, fmt.Sprintf("contribution:%d", contributionID), "verify_contribution",
		models.ContributionPending, newStatus,
		map[string]any{"note": req.Note}); err != nil {
		SendErrorResponse(w, "Failed to verify contribution", http.StatusInternalServerError, nil)
		return
	}

	title, message := "Contribution Verified", fmt.Sprintf("Your contribution for cycle %s has been verified.", contribution.Cycle)
	if !req.Approve {
		title, message = "Contribution Rejected", fmt.Sprintf("Your contribution for cycle %s was rejected. %s", contribution.Cycle, req.Note)
	}
	if err := s.notifier.NotifyTx(tx, contribution.UserID, "contribution_"+newStatus, title, message,
		map[string]any{"contribution_id": contributionID}); err != nil {
		SendErrorResponse(w, "Failed to verify contribution", http.StatusInternalServerError, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		SendErrorResponse(w, "Failed to verify contribution", http.StatusInternalServerError, nil)
		return
	}

	s.notifier.PublishChamaChange(r.Context(), contribution.ChamaID, map[string]any{"type": "contribution_" + newStatus, "contributionId": contributionID})
	s.notifier.PublishUserChange(r.Context(), contribution.UserID, map[string]any{"type": "contribution_" + newStatus, "contributionId": contributionID})

	log.Printf("[CONTRIBUTION] Contribution %d %s by user %d", contributionID, newStatus, actorID)
	SendJSONResponse(w, http.StatusOK, fmt.Sprintf("Contribution %s", newStatus), map[string]any{
		"contributionId": contributionID,
		"status":         newStatus,
	})
}

// ListContributions lists a chama's contributions
// @Summary List contributions
// @Description List contributions for a chama the caller belongs to
// @Tags contributions
// @Produce json
// @Security BearerAuth
// @Param chamaId path int true "Chama ID"
// @Param status query string false "Filter by status"
// @Success 200 {object} APIResponse
// @Failure 403 {object} ErrorResponse
// @Router /chamas/{chamaId}/contributions [get]
func (s *ContributionService) ListContributions(w http.ResponseWriter, r *http.Request) {
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

	query := `
		SELECT id, chama_id, user_id, amount, cycle, status, verified_by, created_at
		FROM contributions
		WHERE chama_id = $1`
	args := []any{chamaID}
	if status := r.URL.Query().Get("status"); status != "" {
		query += " AND status = $2"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch contributions", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	contributions := []models.Contribution{}
	for rows.Next() {
		var c models.Contribution
		if err := rows.Scan(&c.ID, &c.ChamaID, &c.UserID, &c.Amount, &c.Cycle, &c.Status, &c.VerifiedBy, &c.CreatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch contributions", http.StatusInternalServerError, nil)
			return
		}
		contributions = append(contributions, c)
	}

	SendJSONResponse(w, http.StatusOK, "", map[string]any{"contributions": contributions, "count": len(contributions)})
}

func (s *ContributionService) walletByOwner(ownerType string, ownerID int64, kind models.WalletKind) (*models.Wallet, error) {
	var wallet models.Wallet
	err := s.db.QueryRow(`
		SELECT id, owner_type, owner_id, kind, balance, currency, version, updated_at
		FROM wallets
		WHERE owner_type = $1 AND owner_id = $2 AND kind = $3`, ownerType, ownerID, kind).Scan(
		&wallet.ID, &wallet.OwnerType, &wallet.OwnerID, &wallet.Kind,
		&wallet.Balance, &wallet.Currency, &wallet.Version, &wallet.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return &wallet, err
}
