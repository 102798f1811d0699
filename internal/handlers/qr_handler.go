package handlers

import (
	"database/sql"
	"encoding/json"
	"io"
	"net/http"

	"github.com/chamavault/backend/internal/models"
	"github.com/chamavault/backend/internal/services"
)

type QRHandler struct {
	db        *sql.DB
	service   *services.QRService
	validator *services.ValidationHelper
}

func NewQRHandler(db *sql.DB, service *services.QRService) *QRHandler {
	return &QRHandler{
		db:        db,
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// GenerateQR generates a receive-money QR code
// @Summary Generate QR Code
// @Description Generate a QR code that resolves to one of the caller's wallets, optionally with a fixed amount
// @Tags QR
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{walletId=int64,amount=int64} true "QR generation request"
// @Success 200 {object} object{qrCode=string}
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /qr/generate [post]
func (h *QRHandler) GenerateQR(w http.ResponseWriter, r *http.Request) {
	userID, err := services.AuthenticatedUserID(r)
	if err != nil {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		WalletID int64 `json:"walletId" validate:"required,gt=0"`
		Amount   int64 `json:"amount" validate:"omitempty,gt=0"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	// Only the wallet owner may publish a receive code for it.
	var ownerType string
	var ownerID int64
	err = h.db.QueryRow(`SELECT owner_type, owner_id FROM wallets WHERE id = $1`, req.WalletID).Scan(&ownerType, &ownerID)
	if err != nil {
		services.SendErrorResponse(w, "Wallet not found", http.StatusNotFound, nil)
		return
	}
	if ownerType != models.OwnerUser || ownerID != userID {
		services.SendErrorResponse(w, "Not allowed to generate a code for this wallet", http.StatusForbidden, nil)
		return
	}

	qrCode, qrImage, err := h.service.GenerateReceiveCode(r.Context(), req.WalletID, userID, req.Amount)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"qrCode":  qrCode,
		"qrImage": qrImage,
	})
}

// ProcessQR resolves a scanned QR code
// @Summary Process QR Code
// @Description Resolve a scanned QR code to its destination wallet
// @Tags QR
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{qrData=string} true "QR processing request"
// @Success 200 {object} object{walletId=int64,amount=int64}
// @Failure 400 {object} services.ErrorResponse
// @Router /qr/process [post]
func (h *QRHandler) ProcessQR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		QRData string `json:"qrData" validate:"required"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.service.ResolveReceiveCode(r.Context(), req.QRData)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    result,
	})
}
