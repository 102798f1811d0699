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
)

type ChamaService struct {
	db        *sql.DB
	redis     *redis.Client
	notifier  *Notifier
	audit     *audit.Logger
	validator *ValidationHelper
}

func NewChamaService(db *sql.DB, redisClient *redis.Client) *ChamaService {
	return &ChamaService{
		db:        db,
		redis:     redisClient,
		notifier:  NewNotifier(db, redisClient),
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
	}
}

type CreateChamaRequest struct {
	Name        string `json:"name" validate:"required,min=3,max=100"`
	Description string `json:"description" validate:"max=500"`
}

type AssignRoleRequest struct {
	Role string `json:"role" validate:"required,oneof=member secretary treasurer chairman admin"`
}

type AnnouncementRequest struct {
	Title   string `json:"title" validate:"required,max=100"`
	Message string `json:"message" validate:"required,max=500"`
}

// CreateChama registers a chama with its wallets
// @Summary Create a chama
// @Description Create a chama; the creator becomes admin and the chama central and merry-go-round wallets are opened
// @Tags chamas
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body CreateChamaRequest true "Chama details"
// @Success 201 {object} APIResponse
// @Failure 400 {object} ErrorResponse
// @Router /chamas [post]
func (s *ChamaService) CreateChama(w http.ResponseWriter, r *http.Request) {
	actorID, err := AuthenticatedUserID(r)
	if err != nil {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req CreateChamaRequest
	if !decodeJSONBody(w, r, &req, s.validator) {
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		SendErrorResponse(w, "Failed to create chama", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	var chamaID int64
	err = tx.QueryRow(`
		INSERT INTO chamas (name, description, created_by, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		req.Name, req.Description, actorID, time.Now()).Scan(&chamaID)
	if err != nil {
		log.Printf("[CHAMA] Failed to create chama: %v", err)
		SendErrorResponse(w, "Failed to create chama", http.StatusInternalServerError, nil)
		return
	}

	_, err = tx.Exec(`
		INSERT INTO memberships (chama_id, user_id, role, status, joined_at)
		VALUES ($1, $2, 'admin', 'active', $3)`,
		chamaID, actorID, time.Now())
	if err != nil {
		SendErrorResponse(w, "Failed to create chama", http.StatusInternalServerError, nil)
		return
	}

	// Chama wallets are opened once, here, and only their balances change
	// afterwards.
	for _, kind := range []models.WalletKind{models.WalletChamaCentral, models.WalletMerryGoRound} {
		_, err = tx.Exec(`
			INSERT INTO wallets (owner_type, owner_id, kind, balance, currency, version, updated_at)
			VALUES ('chama', $1, $2, 0, 'KES', 1, $3)`,
			chamaID, kind, time.Now())
		if err != nil {
			SendErrorResponse(w, "Failed to create chama", http.StatusInternalServerError, nil)
			return
		}
	}

	if err := s.notifier.ActivityTx(tx, chamaID, "chama_created",
		fmt.Sprintf("Chama %q created", req.Name), nil); err != nil {
		SendErrorResponse(w, "Failed to create chama", http.StatusInternalServerError, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		SendErrorResponse(w, "Failed to create chama", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[CHAMA] Chama %d %q created by user %d", chamaID, req.Name, actorID)
	SendJSONResponse(w, http.StatusCreated, "Chama created", map[string]any{"chamaId": chamaID})
}

// JoinChama adds the caller as a member
// @Summary Join a chama
// @Description Join a chama as a regular member
// @Tags chamas
// @Produce json
// @Security BearerAuth
// @Param chamaId path int true "Chama ID"
// @Success 200 {object} APIResponse
// @Failure 409 {object} ErrorResponse
// @Router /chamas/{chamaId}/join [post]
func (s *ChamaService) JoinChama(w http.ResponseWriter, r *http.Request) {
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

	_, err = s.db.Exec(`
		INSERT INTO memberships (chama_id, user_id, role, status, joined_at)
		VALUES ($1, $2, 'member', 'active', $3)`,
		chamaID, actorID, time.Now())
	if err != nil {
		log.Printf("[CHAMA] Join failed for user %d on chama %d: %v", actorID, chamaID, err)
		SendErrorResponse(w, "Already a member of this chama", http.StatusConflict, nil)
		return
	}

	s.notifier.PublishChamaChange(r.Context(), chamaID, map[string]any{"type": "member_joined", "userId": actorID})

	log.Printf("[CHAMA] User %d joined chama %d", actorID, chamaID)
	SendJSONResponse(w, http.StatusOK, "Joined chama", nil)
}

// AssignRole changes a member's role
// @Summary Assign a member role
// @Description Change a member's role; admin only. Writes an audit entry with old and new value
// @Tags chamas
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param chamaId path int true "Chama ID"
// @Param userId path int true "Member user ID"
// @Param request body AssignRoleRequest true "New role"
// @Success 200 {object} APIResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /chamas/{chamaId}/members/{userId}/role [put]
func (s *ChamaService) AssignRole(w http.ResponseWriter, r *http.Request) {
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

	memberID, err := strconv.ParseInt(chi.URLParam(r, "userId"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid user ID", http.StatusBadRequest, nil)
		return
	}

	if _, err := Authorize(s.db, chamaID, actorID, OpAssignRole); err != nil {
		SendErrorResponse(w, "Only an admin may assign roles", http.StatusForbidden, nil)
		return
	}

	var req AssignRoleRequest
	if !decodeJSONBody(w, r, &req, s.validator) {
		return
	}

	oldRole, err := ActiveRole(s.db, chamaID, memberID)
	if err != nil {
		SendErrorResponse(w, "Member not found", http.StatusNotFound, nil)
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		SendErrorResponse(w, "Failed to assign role", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		UPDATE memberships SET role = $1 WHERE chama_id = $2 AND user_id = $3 AND status = 'active'`,
		req.Role, chamaID, memberID)
	if err != nil {
		SendErrorResponse(w, "Failed to assign role", http.StatusInternalServerError, nil)
		return
	}

	if err := s.notifier.AuditTx(tx, actorID, fmt.Sprintf("membership:%d:%d", chamaID, memberID), "assign_role",
		oldRole, req.Role, map[string]any{"chama_id": chamaID}); err != nil {
		SendErrorResponse(w, "Failed to assign role", http.StatusInternalServerError, nil)
		return
	}

	if err := s.notifier.NotifyTx(tx, memberID, "role_assigned", "Role Updated",
		fmt.Sprintf("Your role has been changed from %s to %s.", oldRole, req.Role),
		map[string]any{"chama_id": chamaID, "role": req.Role}); err != nil {
		SendErrorResponse(w, "Failed to assign role", http.StatusInternalServerError, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		SendErrorResponse(w, "Failed to assign role", http.StatusInternalServerError, nil)
		return
	}

	s.notifier.PublishChamaChange(r.Context(), chamaID, map[string]any{"type": "role_assigned", "userId": memberID, "role": req.Role})
	s.notifier.PublishUserChange(r.Context(), memberID, map[string]any{"type": "role_assigned", "chamaId": chamaID, "role": req.Role})

	log.Printf("[CHAMA] User %d role in chama %d changed %s -> %s by %d", memberID, chamaID, oldRole, req.Role, actorID)
	SendJSONResponse(w, http.StatusOK, "Role assigned", map[string]any{"userId": memberID, "role": req.Role})
}

// Announce notifies every active member
// @Summary Post an announcement
// @Description Create a notification for every active member of the chama
// @Tags chamas
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param chamaId path int true "Chama ID"
// @Param request body AnnouncementRequest true "Announcement"
// @Success 200 {object} APIResponse
// @Failure 403 {object} ErrorResponse
// @Router /chamas/{chamaId}/announcements [post]
func (s *ChamaService) Announce(w http.ResponseWriter, r *http.Request) {
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

	if _, err := Authorize(s.db, chamaID, actorID, OpAnnounce); err != nil {
		SendErrorResponse(w, "Not allowed to post announcements", http.StatusForbidden, nil)
		return
	}

	var req AnnouncementRequest
	if !decodeJSONBody(w, r, &req, s.validator) {
		return
	}

	rows, err := s.db.Query(`
		SELECT user_id FROM memberships WHERE chama_id = $1 AND status = 'active'`, chamaID)
	if err != nil {
		SendErrorResponse(w, "Failed to post announcement", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	memberIDs := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			SendErrorResponse(w, "Failed to post announcement", http.StatusInternalServerError, nil)
			return
		}
		memberIDs = append(memberIDs, id)
	}

	tx, err := s.db.Begin()
	if err != nil {
		SendErrorResponse(w, "Failed to post announcement", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	for _, memberID := range memberIDs {
		if err := s.notifier.NotifyTx(tx, memberID, "announcement", req.Title, req.Message,
			map[string]any{"chama_id": chamaID}); err != nil {
			SendErrorResponse(w, "Failed to post announcement", http.StatusInternalServerError, nil)
			return
		}
	}

	if err := s.notifier.ActivityTx(tx, chamaID, "announcement", req.Title, nil); err != nil {
		SendErrorResponse(w, "Failed to post announcement", http.StatusInternalServerError, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		SendErrorResponse(w, "Failed to post announcement", http.StatusInternalServerError, nil)
		return
	}

	s.notifier.PublishChamaChange(r.Context(), chamaID, map[string]any{"type": "announcement", "title": req.Title})

	log.Printf("[CHAMA] Announcement %q posted to chama %d (%d members)", req.Title, chamaID, len(memberIDs))
	SendJSONResponse(w, http.StatusOK, "Announcement posted", map[string]any{"recipients": len(memberIDs)})
}

// ListActivity returns a chama's activity log
// @Summary List chama activity
// @Description List recent activity entries for a chama the caller belongs to
// @Tags chamas
// @Produce json
// @Security BearerAuth
// @Param chamaId path int true "Chama ID"
// @Success 200 {object} APIResponse
// @Failure 403 {object} ErrorResponse
// @Router /chamas/{chamaId}/activity [get]
func (s *ChamaService) ListActivity(w http.ResponseWriter, r *http.Request) {
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
		SELECT id, chama_id, activity_type, description, amount, created_at
		FROM activity_logs
		WHERE chama_id = $1
		ORDER BY created_at DESC
		LIMIT 100`, chamaID)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch activity", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	entries := []models.ActivityLogEntry{}
	for rows.Next() {
		var e models.ActivityLogEntry
		if err := rows.Scan(&e.ID, &e.ChamaID, &e.ActivityType, &e.Description, &e.Amount, &e.CreatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch activity", http.StatusInternalServerError, nil)
			return
		}
		entries = append(entries, e)
	}

	SendJSONResponse(w, http.StatusOK, "", map[string]any{"activity": entries, "count": len(entries)})
}
