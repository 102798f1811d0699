package services

import (
	"context"
	"database/sql"
	"log"
	"strings"
	"time"

	"github.com/chamavault/backend/internal/config"
	"github.com/chamavault/backend/internal/models"
)

// Reconciler sweeps pending payments whose callback never arrived. Each sweep
// polls the rail for payments older than the lookback window and settles or
// fails them through the same idempotent paths the webhook uses, so a late
// callback racing the sweep cannot double-apply.
type Reconciler struct {
	db       *sql.DB
	payments *PaymentService
	rails    map[string]RailClient
	cfg      *config.ReconcilerConfig
}

func NewReconciler(db *sql.DB, payments *PaymentService, rails map[string]RailClient, cfg *config.ReconcilerConfig) *Reconciler {
	if cfg == nil {
		cfg = config.LoadReconcilerConfig()
	}
	return &Reconciler{db: db, payments: payments, rails: rails, cfg: cfg}
}

// Run loops until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	log.Printf("[RECONCILER] Starting: interval=%s lookback=%s maxAttempts=%d",
		r.cfg.Interval, r.cfg.Lookback, r.cfg.MaxAttempts)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[RECONCILER] Stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep processes one batch of stuck pending payments.
func (r *Reconciler) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.Lookback)

	rows, err := r.db.Query(`
		SELECT id, rail, rail_reference, direction, wallet_id, user_id, amount, attempts
		FROM pending_payments
		WHERE status = 'PENDING' AND created_at < $1 AND next_retry_at <= $2
		ORDER BY created_at
		LIMIT 100`, cutoff, time.Now())
	if err != nil {
		log.Printf("[RECONCILER] Sweep query failed: %v", err)
		return
	}
	defer rows.Close()

	var stuck []models.PendingPayment
	for rows.Next() {
		var p models.PendingPayment
		if err := rows.Scan(&p.ID, &p.Rail, &p.RailReference, &p.Direction,
			&p.WalletID, &p.UserID, &p.Amount, &p.Attempts); err != nil {
			log.Printf("[RECONCILER] Scan failed: %v", err)
			return
		}
		stuck = append(stuck, p)
	}
	if err := rows.Err(); err != nil {
		log.Printf("[RECONCILER] Sweep rows failed: %v", err)
		return
	}

	for i := range stuck {
		if ctx.Err() != nil {
			return
		}
		r.reconcile(ctx, &stuck[i])
	}
}

func (r *Reconciler) reconcile(ctx context.Context, payment *models.PendingPayment) {
	client, ok := r.rails[payment.Rail]
	if !ok {
		log.Printf("[RECONCILER] No client for rail %s, failing %s", payment.Rail, payment.RailReference)
		r.fail(payment)
		return
	}

	status, err := client.Status(ctx, payment.RailReference)
	if err != nil {
		log.Printf("[RECONCILER] Status poll failed for %s (attempt %d): %v",
			payment.RailReference, payment.Attempts+1, err)
		r.scheduleRetry(payment)
		return
	}

	switch strings.ToUpper(status) {
	case "SETTLED", "SUCCESS", "COMPLETED":
		log.Printf("[RECONCILER] %s confirmed settled by %s", payment.RailReference, payment.Rail)
		if err := r.payments.SettleByReference(payment.RailReference); err != nil && err != ErrAlreadyProcessed {
			log.Printf("[RECONCILER] Settle failed for %s: %v", payment.RailReference, err)
		}
	case "FAILED", "CANCELLED", "REVERSED":
		log.Printf("[RECONCILER] %s reported %s by %s", payment.RailReference, status, payment.Rail)
		r.fail(payment)
	default:
		// Still in flight on the rail side.
		r.scheduleRetry(payment)
	}
}

// scheduleRetry bumps the attempt counter with exponential backoff and gives
// up after the configured ceiling.
func (r *Reconciler) scheduleRetry(payment *models.PendingPayment) {
	attempts := payment.Attempts + 1
	if attempts >= r.cfg.MaxAttempts {
		log.Printf("[RECONCILER] %s exhausted %d attempts, marking failed", payment.RailReference, attempts)
		r.fail(payment)
		return
	}

	backoff := r.cfg.BaseBackoff * (1 << uint(attempts))
	_, err := r.db.Exec(`
		UPDATE pending_payments SET attempts = $1, next_retry_at = $2
		WHERE id = $3 AND status = 'PENDING'`,
		attempts, time.Now().Add(backoff), payment.ID)
	if err != nil {
		log.Printf("[RECONCILER] Failed to schedule retry for %s: %v", payment.RailReference, err)
	}
}

func (r *Reconciler) fail(payment *models.PendingPayment) {
	if err := r.payments.FailByReference(payment.RailReference); err != nil && err != ErrAlreadyProcessed {
		log.Printf("[RECONCILER] Fail path errored for %s: %v", payment.RailReference, err)
	}
}
