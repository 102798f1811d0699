package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/skip2/go-qrcode"
)

const receiveCodeTTL = 5 * time.Minute

// ReceiveCode is the payload behind a receive-money QR code. The payer's app
// scans it and sends straight to WalletID without the member dictating a
// wallet number over the phone.
type ReceiveCode struct {
	WalletID int64  `json:"walletId"`
	UserID   int64  `json:"userId"`
	Amount   int64  `json:"amount,omitempty"` // 0 means the payer picks the amount
	Currency string `json:"currency"`
	IssuedAt int64  `json:"issuedAt"`
	Nonce    string `json:"nonce"`
}

// QRService issues short-lived receive-money codes backed by Redis.
type QRService struct {
	db    *sql.DB
	redis *redis.Client
}

func NewQRService(db *sql.DB, redis *redis.Client) *QRService {
	return &QRService{
		db:    db,
		redis: redis,
	}
}

// GenerateReceiveCode creates a single-use code for the destination wallet.
// Returns the opaque code string and a base64 PNG rendering of it.
func (s *QRService) GenerateReceiveCode(ctx context.Context, walletID, userID, amount int64) (string, string, error) {
	payload := ReceiveCode{
		WalletID: walletID,
		UserID:   userID,
		Amount:   amount,
		Currency: "KES",
		IssuedAt: time.Now().Unix(),
		Nonce:    generateNonce(),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", "", err
	}

	code := base64.URLEncoding.EncodeToString(jsonData)

	// The Redis entry, not the code contents, is the source of truth. A code
	// whose entry expired or was consumed resolves to nothing.
	if err := s.redis.Set(ctx, receiveCodeKey(code), jsonData, receiveCodeTTL).Err(); err != nil {
		return "", "", err
	}

	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	return code, base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// ResolveReceiveCode consumes a scanned code. Single use: the Redis entry is
// deleted on first resolution.
func (s *QRService) ResolveReceiveCode(ctx context.Context, code string) (*ReceiveCode, error) {
	key := receiveCodeKey(code)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("invalid or expired QR code")
	}
	if err != nil {
		return nil, err
	}

	var payload ReceiveCode
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}

	s.redis.Del(ctx, key)

	return &payload, nil
}

func receiveCodeKey(code string) string {
	return fmt.Sprintf("qr:%s", code)
}

func generateNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
