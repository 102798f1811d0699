package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/chamavault/backend/internal/config"
	"github.com/chamavault/backend/internal/database"
	"github.com/go-redis/redis/v8"
)

// Notifier writes user notifications and chama activity entries, publishes
// change-feed events, and sends SMS. Notification/activity rows go through
// the caller's transaction so they commit atomically with the balance
// writes; the feed publish and SMS happen after commit and are best effort.
type Notifier struct {
	db    *sql.DB
	redis *redis.Client
	sms   *config.SMSConfig
	http  *http.Client
}

func NewNotifier(db *sql.DB, redisClient *redis.Client) *Notifier {
	smsCfg := config.LoadSMSConfig()
	return &Notifier{
		db:    db,
		redis: redisClient,
		sms:   smsCfg,
		http:  &http.Client{Timeout: smsCfg.Timeout},
	}
}

// NotifyTx appends one notification row for a recipient.
func (n *Notifier) NotifyTx(tx *sql.Tx, userID int64, ntype, title, message string, metadata map[string]any) error {
	metadataJSON, _ := json.Marshal(metadata)
	_, err := tx.Exec(`
		INSERT INTO notifications (user_id, type, title, message, metadata, read, created_at)
		VALUES ($1, $2, $3, $4, $5, false, $6)`,
		userID, ntype, title, message, metadataJSON, time.Now())
	return err
}

// ActivityTx appends one chama activity entry.
func (n *Notifier) ActivityTx(tx *sql.Tx, chamaID int64, activityType, description string, amount *int64) error {
	_, err := tx.Exec(`
		INSERT INTO activity_logs (chama_id, activity_type, description, amount, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		chamaID, activityType, description, amount, time.Now())
	return err
}

// AuditTx appends one audit row. Exactly one per balance mutation.
func (n *Notifier) AuditTx(tx *sql.Tx, actorID int64, target, action, oldValue, newValue string, details map[string]any) error {
	detailsJSON, _ := json.Marshal(details)
	_, err := tx.Exec(`
		INSERT INTO audit_logs (actor_id, target, action, old_value, new_value, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		actorID, target, action, oldValue, newValue, detailsJSON, time.Now())
	return err
}

// PublishChange emits a change-feed event so UI caches invalidate. Failures
// are logged; the operation result never depends on the feed.
func (n *Notifier) PublishChange(ctx context.Context, channel string, event map[string]any) {
	if n.redis == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := n.redis.Publish(ctx, channel, payload).Err(); err != nil {
		log.Printf("[NOTIFY] Change feed publish failed on %s: %v", channel, err)
	}
}

// PublishUserChange is PublishChange on the user's channel.
func (n *Notifier) PublishUserChange(ctx context.Context, userID int64, event map[string]any) {
	n.PublishChange(ctx, database.UserChannel(userID), event)
}

// PublishChamaChange is PublishChange on the chama's channel.
func (n *Notifier) PublishChamaChange(ctx context.Context, chamaID int64, event map[string]any) {
	n.PublishChange(ctx, database.ChamaChannel(chamaID), event)
}

// SendSMS delivers a message through the configured gateway. Fire and
// forget: errors are logged, never retried, and never fail the caller.
func (n *Notifier) SendSMS(phoneNumber, body string) {
	if n.sms.GatewayURL == "" {
		log.Printf("[NOTIFY] SMS gateway not configured, skipping message to %s", phoneNumber)
		return
	}

	payload, _ := json.Marshal(map[string]string{
		"to":     phoneNumber,
		"from":   n.sms.SenderID,
		"body":   body,
		"apiKey": n.sms.APIKey,
	})

	resp, err := n.http.Post(n.sms.GatewayURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Printf("[NOTIFY] SMS send failed for %s: %v", phoneNumber, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Printf("[NOTIFY] SMS gateway returned status %d for %s", resp.StatusCode, phoneNumber)
		return
	}

	// Mirror to the outbox so delivery status can be inspected later.
	if n.redis != nil {
		n.redis.RPush(context.Background(), "sms_outbox", payload)
	}
}

// UserPhone looks up the recipient's phone number for SMS delivery.
func (n *Notifier) UserPhone(userID int64) (string, error) {
	var phone string
	err := n.db.QueryRow(`SELECT phone_number FROM users WHERE id = $1`, userID).Scan(&phone)
	return phone, err
}
