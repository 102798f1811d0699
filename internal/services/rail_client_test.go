package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chamavault/backend/internal/config"
	"github.com/chamavault/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestRailClient_ParseCallback(t *testing.T) {
	clients := NewRailClients(config.LoadRailsConfig())

	t.Run("mpesa success", func(t *testing.T) {
		body := `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_123","ResultCode":0}}}`
		ref, ok, err := clients[models.RailMpesa].ParseCallback(strings.NewReader(body))
		assert.NoError(t, err)
		assert.Equal(t, "ws_CO_123", ref)
		assert.True(t, ok)
	})

	t.Run("mpesa user cancelled", func(t *testing.T) {
		body := `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_123","ResultCode":1032}}}`
		ref, ok, err := clients[models.RailMpesa].ParseCallback(strings.NewReader(body))
		assert.NoError(t, err)
		assert.Equal(t, "ws_CO_123", ref)
		assert.False(t, ok)
	})

	t.Run("mpesa missing reference", func(t *testing.T) {
		_, _, err := clients[models.RailMpesa].ParseCallback(strings.NewReader(`{"Body":{}}`))
		assert.Error(t, err)
	})

	t.Run("airtel success", func(t *testing.T) {
		body := `{"transaction":{"id":"AM-456","status_code":"TS"}}`
		ref, ok, err := clients[models.RailAirtel].ParseCallback(strings.NewReader(body))
		assert.NoError(t, err)
		assert.Equal(t, "AM-456", ref)
		assert.True(t, ok)
	})

	t.Run("airtel failure", func(t *testing.T) {
		body := `{"transaction":{"id":"AM-456","status_code":"TF"}}`
		_, ok, err := clients[models.RailAirtel].ParseCallback(strings.NewReader(body))
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("paystack charge success", func(t *testing.T) {
		body := `{"event":"charge.success","data":{"reference":"PS-789"}}`
		ref, ok, err := clients[models.RailPaystack].ParseCallback(strings.NewReader(body))
		assert.NoError(t, err)
		assert.Equal(t, "PS-789", ref)
		assert.True(t, ok)
	})

	t.Run("paystack transfer failed", func(t *testing.T) {
		body := `{"event":"transfer.failed","data":{"reference":"PS-789"}}`
		_, ok, err := clients[models.RailPaystack].ParseCallback(strings.NewReader(body))
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("malformed body", func(t *testing.T) {
		_, _, err := clients[models.RailMpesa].ParseCallback(strings.NewReader("not json"))
		assert.Error(t, err)
	})
}

func TestRailClient_Initiate(t *testing.T) {
	t.Run("collection posts to the collections endpoint", func(t *testing.T) {
		var gotPath, gotAuth string
		var gotBody map[string]any
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotAuth = r.Header.Get("Authorization")
			json.NewDecoder(r.Body).Decode(&gotBody)
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{"CheckoutRequestID": "ws_CO_123456"})
		}))
		defer server.Close()

		client := &httpRailClient{
			rail: models.RailMpesa,
			cfg:  config.RailConfig{BaseURL: server.URL, APIKey: "test-key", ShortCode: "174379", Timeout: 5 * time.Second},
			http: server.Client(),
		}

		railRef, err := client.Initiate(context.Background(), &models.PendingPayment{
			RailReference: "ref-1",
			Direction:     models.PaymentDirectionTopup,
			Amount:        2000,
			PhoneNumber:   "+254712345678",
		})
		assert.NoError(t, err)
		assert.Equal(t, "/collections", gotPath)
		assert.Equal(t, "Bearer test-key", gotAuth)
		assert.Equal(t, "ref-1", gotBody["reference"])
		assert.Equal(t, float64(2000), gotBody["amount"])
		assert.Equal(t, "ws_CO_123456", railRef)
	})

	t.Run("mpesa response without a checkout id is an error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"ResponseDescription": "Accepted"})
		}))
		defer server.Close()

		client := &httpRailClient{
			rail: models.RailMpesa,
			cfg:  config.RailConfig{BaseURL: server.URL, Timeout: 5 * time.Second},
			http: server.Client(),
		}

		_, err := client.Initiate(context.Background(), &models.PendingPayment{
			RailReference: "ref-4",
			Direction:     models.PaymentDirectionTopup,
			Amount:        500,
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "CheckoutRequestID")
	})

	t.Run("payout posts to the payouts endpoint", func(t *testing.T) {
		var gotPath string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		client := &httpRailClient{
			rail: models.RailAirtel,
			cfg:  config.RailConfig{BaseURL: server.URL, Timeout: 5 * time.Second},
			http: server.Client(),
		}

		railRef, err := client.Initiate(context.Background(), &models.PendingPayment{
			RailReference: "ref-2",
			Direction:     models.PaymentDirectionPayout,
			Amount:        1000,
		})
		assert.NoError(t, err)
		assert.Equal(t, "/payouts", gotPath)
		assert.Equal(t, "", railRef)
	})

	t.Run("rail rejection surfaces as an error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		client := &httpRailClient{
			rail: models.RailMpesa,
			cfg:  config.RailConfig{BaseURL: server.URL, Timeout: 5 * time.Second},
			http: server.Client(),
		}

		_, err := client.Initiate(context.Background(), &models.PendingPayment{RailReference: "ref-3"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "status 502")
	})
}

func TestRailClient_Status(t *testing.T) {
	t.Run("returns the reported status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/transactions/ref-1", r.URL.Path)
			json.NewEncoder(w).Encode(map[string]string{"status": "SETTLED"})
		}))
		defer server.Close()

		client := &httpRailClient{
			rail: models.RailMpesa,
			cfg:  config.RailConfig{BaseURL: server.URL, Timeout: 5 * time.Second},
			http: server.Client(),
		}

		status, err := client.Status(context.Background(), "ref-1")
		assert.NoError(t, err)
		assert.Equal(t, "SETTLED", status)
	})

	t.Run("non-200 surfaces as an error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		client := &httpRailClient{
			rail: models.RailPaystack,
			cfg:  config.RailConfig{BaseURL: server.URL, Timeout: 5 * time.Second},
			http: server.Client(),
		}

		_, err := client.Status(context.Background(), "missing")
		assert.Error(t, err)
	})
}
