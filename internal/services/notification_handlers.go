package services

import (
	"net/http"
	"strconv"

	"github.com/chamavault/backend/internal/models"
	"github.com/go-chi/chi/v5"
)

// ListNotifications lists the caller's notifications
// @Summary List notifications
// @Description List the authenticated user's notifications, newest first
// @Tags notifications
// @Produce json
// @Security BearerAuth
// @Param unread query bool false "Only unread notifications"
// @Success 200 {object} APIResponse
// @Failure 401 {object} ErrorResponse
// @Router /notifications [get]
func (n *Notifier) ListNotifications(w http.ResponseWriter, r *http.Request) {
	actorID, err := AuthenticatedUserID(r)
	if err != nil {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	query := `
		SELECT id, user_id, type, title, message, metadata, read, created_at
		FROM notifications
		WHERE user_id = $1`
	if r.URL.Query().Get("unread") == "true" {
		query += ` AND read = false`
	}
	query += ` ORDER BY created_at DESC LIMIT 100`

	rows, err := n.db.Query(query, actorID)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch notifications", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	notifications := []models.Notification{}
	for rows.Next() {
		var notif models.Notification
		var metadata []byte
		if err := rows.Scan(&notif.ID, &notif.UserID, &notif.Type, &notif.Title,
			&notif.Message, &metadata, &notif.Read, &notif.CreatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch notifications", http.StatusInternalServerError, nil)
			return
		}
		notif.Metadata = string(metadata)
		notifications = append(notifications, notif)
	}

	SendJSONResponse(w, http.StatusOK, "", map[string]any{
		"notifications": notifications,
		"count":         len(notifications),
	})
}

// MarkNotificationRead marks one notification as read
// @Summary Mark notification read
// @Description Mark one of the caller's notifications as read
// @Tags notifications
// @Produce json
// @Security BearerAuth
// @Param notificationId path int true "Notification ID"
// @Success 200 {object} APIResponse
// @Failure 404 {object} ErrorResponse
// @Router /notifications/{notificationId}/read [put]
func (n *Notifier) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	actorID, err := AuthenticatedUserID(r)
	if err != nil {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	notificationID, err := strconv.ParseInt(chi.URLParam(r, "notificationId"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid notification ID", http.StatusBadRequest, nil)
		return
	}

	result, err := n.db.Exec(`
		UPDATE notifications SET read = true
		WHERE id = $1 AND user_id = $2`,
		notificationID, actorID)
	if err != nil {
		SendErrorResponse(w, "Failed to update notification", http.StatusInternalServerError, nil)
		return
	}

	if rowsAffected, _ := result.RowsAffected(); rowsAffected == 0 {
		SendErrorResponse(w, "Notification not found", http.StatusNotFound, nil)
		return
	}

	SendJSONResponse(w, http.StatusOK, "Notification marked as read", nil)
}
