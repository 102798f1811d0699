package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/chamavault/backend/internal/config"
	"github.com/chamavault/backend/internal/models"
)

// RailClient abstracts one external payment rail. Initiate starts an
// asynchronous collection or payout and returns the rail-assigned reference
// when the rail mints its own ("" when it echoes ours); the rail answers
// later through its webhook. Status is polled by the reconciliation sweep
// for stuck payments.
type RailClient interface {
	Initiate(ctx context.Context, payment *models.PendingPayment) (railReference string, err error)
	Status(ctx context.Context, railReference string) (string, error)
	ParseCallback(body io.Reader) (reference string, success bool, err error)
}

type httpRailClient struct {
	rail string
	cfg  config.RailConfig
	http *http.Client
}

func NewRailClients(cfg *config.RailsConfig) map[string]RailClient {
	return map[string]RailClient{
		models.RailMpesa:    &httpRailClient{rail: models.RailMpesa, cfg: cfg.Mpesa, http: &http.Client{Timeout: cfg.Mpesa.Timeout}},
		models.RailAirtel:   &httpRailClient{rail: models.RailAirtel, cfg: cfg.Airtel, http: &http.Client{Timeout: cfg.Airtel.Timeout}},
		models.RailPaystack: &httpRailClient{rail: models.RailPaystack, cfg: cfg.Paystack, http: &http.Client{Timeout: cfg.Paystack.Timeout}},
	}
}

func (c *httpRailClient) Initiate(ctx context.Context, payment *models.PendingPayment) (string, error) {
	path := "/collections"
	if payment.Direction == models.PaymentDirectionPayout {
		path = "/payouts"
	}

	payload, _ := json.Marshal(map[string]any{
		"reference":   payment.RailReference,
		"amount":      payment.Amount,
		"phoneNumber": payment.PhoneNumber,
		"shortCode":   c.cfg.ShortCode,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%s initiate returned status %d", c.rail, resp.StatusCode)
	}

	return c.initiateReference(resp.Body)
}

// initiateReference pulls the rail-assigned transaction id out of the
// initiate response. Safaricom mints a CheckoutRequestID per STK push and
// delivers the callback under it, never under our reference, so for mpesa
// the id is mandatory. Airtel may assign one; Paystack echoes our reference.
func (c *httpRailClient) initiateReference(body io.Reader) (string, error) {
	switch c.rail {
	case models.RailMpesa:
		var result struct {
			CheckoutRequestID string `json:"CheckoutRequestID"`
		}
		if err := json.NewDecoder(body).Decode(&result); err != nil {
			return "", fmt.Errorf("mpesa initiate response: %w", err)
		}
		if result.CheckoutRequestID == "" {
			return "", fmt.Errorf("mpesa initiate response missing CheckoutRequestID")
		}
		return result.CheckoutRequestID, nil

	case models.RailAirtel:
		var result struct {
			Data struct {
				Transaction struct {
					ID string `json:"id"`
				} `json:"transaction"`
			} `json:"data"`
		}
		if err := json.NewDecoder(body).Decode(&result); err != nil {
			return "", nil
		}
		return result.Data.Transaction.ID, nil
	}
	return "", nil
}

func (c *httpRailClient) Status(ctx context.Context, railReference string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/transactions/%s", c.cfg.BaseURL, railReference), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s status returned %d", c.rail, resp.StatusCode)
	}

	var result struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Status, nil
}

// ParseCallback normalizes each rail's webhook body to (reference, success).
func (c *httpRailClient) ParseCallback(body io.Reader) (string, bool, error) {
	switch c.rail {
	case models.RailMpesa:
		var payload struct {
			Body struct {
				StkCallback struct {
					CheckoutRequestID string `json:"CheckoutRequestID"`
					ResultCode        int    `json:"ResultCode"`
				} `json:"stkCallback"`
			} `json:"Body"`
		}
		if err := json.NewDecoder(body).Decode(&payload); err != nil {
			return "", false, err
		}
		cb := payload.Body.StkCallback
		if cb.CheckoutRequestID == "" {
			return "", false, fmt.Errorf("missing CheckoutRequestID")
		}
		return cb.CheckoutRequestID, cb.ResultCode == 0, nil

	case models.RailAirtel:
		var payload struct {
			Transaction struct {
				ID     string `json:"id"`
				Status string `json:"status_code"`
			} `json:"transaction"`
		}
		if err := json.NewDecoder(body).Decode(&payload); err != nil {
			return "", false, err
		}
		if payload.Transaction.ID == "" {
			return "", false, fmt.Errorf("missing transaction id")
		}
		return payload.Transaction.ID, payload.Transaction.Status == "TS", nil

	case models.RailPaystack:
		var payload struct {
			Event string `json:"event"`
			Data  struct {
				Reference string `json:"reference"`
			} `json:"data"`
		}
		if err := json.NewDecoder(body).Decode(&payload); err != nil {
			return "", false, err
		}
		if payload.Data.Reference == "" {
			return "", false, fmt.Errorf("missing reference")
		}
		return payload.Data.Reference, payload.Event == "charge.success" || payload.Event == "transfer.success", nil
	}
	return "", false, fmt.Errorf("unknown rail %s", c.rail)
}
