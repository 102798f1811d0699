package audit

import (
	"encoding/json"
	"log"
	"time"
)

type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	EventType   string    `json:"event_type"`
	OperationID string    `json:"operation_id"`
	WalletID    int64     `json:"wallet_id,omitempty"`
	Amount      int64     `json:"amount,omitempty"`
	Status      string    `json:"status"`
	Details     any       `json:"details"`
}

// Logger emits structured JSON audit events to the process log. The durable
// audit trail lives in the audit_logs table; this stream is for operators.
type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogTransfer(operationID string, fromWalletID, toWalletID, amount int64, status string) {
	event := Event{
		Timestamp:   time.Now(),
		EventType:   "TRANSFER",
		OperationID: operationID,
		Amount:      amount,
		Status:      status,
		Details: map[string]int64{
			"from_wallet": fromWalletID,
			"to_wallet":   toWalletID,
		},
	}
	a.log(event)
}

func (a *Logger) LogError(operationID string, walletID int64, err error) {
	event := Event{
		Timestamp:   time.Now(),
		EventType:   "ERROR",
		OperationID: operationID,
		WalletID:    walletID,
		Status:      "FAILED",
		Details:     map[string]string{"error": err.Error()},
	}
	a.log(event)
}

func (a *Logger) LogOperation(operationID string, walletID int64, operation, details string) {
	event := Event{
		Timestamp:   time.Now(),
		EventType:   operation,
		OperationID: operationID,
		WalletID:    walletID,
		Status:      "SUCCESS",
		Details:     map[string]string{"details": details},
	}
	a.log(event)
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
