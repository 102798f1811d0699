package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

func TestContributionService_VerifyContribution(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	redisClient, _ := redismock.NewClientMock()
	service := NewContributionService(db, redisClient)

	router := chi.NewRouter()
	router.Post("/contributions/{contributionId}/verify", service.VerifyContribution)

	contributionSelect := "SELECT id, chama_id, user_id, amount, cycle, status FROM contributions WHERE id = \\$1"
	contributionCols := []string{"id", "chama_id", "user_id", "amount", "cycle", "status"}

	t.Run("treasurer approves a pending contribution", func(t *testing.T) {
		mock.ExpectQuery(contributionSelect).
			WithArgs(int64(5)).
			WillReturnRows(sqlmock.NewRows(contributionCols).AddRow(5, 1, 10, 2000, "2026-08", "pending"))

		expectMembership(mock, 1, 20, "treasurer")

		mock.ExpectBegin()

		mock.ExpectExec("UPDATE contributions SET status = \\$1, verified_by = \\$2 WHERE id = \\$3 AND status = 'pending'").
			WithArgs("verified", int64(20), int64(5)).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("INSERT INTO audit_logs").
			WithArgs(int64(20), "contribution:5", "verify_contribution", "pending", "verified", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("INSERT INTO notifications").
			WithArgs(int64(10), "contribution_verified", "Contribution Verified", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		body, _ := json.Marshal(VerifyContributionRequest{Approve: true})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, authedRequest("POST", "/contributions/5/verify", body, "20"))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second verification rejected", func(t *testing.T) {
		mock.ExpectQuery(contributionSelect).
			WithArgs(int64(5)).
			WillReturnRows(sqlmock.NewRows(contributionCols).AddRow(5, 1, 10, 2000, "2026-08", "verified"))

		expectMembership(mock, 1, 20, "treasurer")

		mock.ExpectBegin()

		mock.ExpectExec("UPDATE contributions SET status = \\$1, verified_by = \\$2 WHERE id = \\$3 AND status = 'pending'").
			WithArgs("verified", int64(20), int64(5)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		mock.ExpectRollback()

		body, _ := json.Marshal(VerifyContributionRequest{Approve: true})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, authedRequest("POST", "/contributions/5/verify", body, "20"))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "already verified")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("plain member denied", func(t *testing.T) {
		mock.ExpectQuery(contributionSelect).
			WithArgs(int64(5)).
			WillReturnRows(sqlmock.NewRows(contributionCols).AddRow(5, 1, 10, 2000, "2026-08", "pending"))

		expectMembership(mock, 1, 30, "member")

		body, _ := json.Marshal(VerifyContributionRequest{Approve: true})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, authedRequest("POST", "/contributions/5/verify", body, "30"))

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejection notifies the contributor", func(t *testing.T) {
		mock.ExpectQuery(contributionSelect).
			WithArgs(int64(6)).
			WillReturnRows(sqlmock.NewRows(contributionCols).AddRow(6, 1, 10, 2000, "2026-08", "pending"))

		expectMembership(mock, 1, 20, "chairman")

		mock.ExpectBegin()

		mock.ExpectExec("UPDATE contributions SET status = \\$1, verified_by = \\$2 WHERE id = \\$3 AND status = 'pending'").
			WithArgs("rejected", int64(20), int64(6)).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("INSERT INTO audit_logs").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("INSERT INTO notifications").
			WithArgs(int64(10), "contribution_rejected", "Contribution Rejected", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		body, _ := json.Marshal(VerifyContributionRequest{Approve: false, Note: "receipt missing"})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, authedRequest("POST", "/contributions/6/verify", body, "20"))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestContributionService_RecordContribution(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	redisClient, _ := redismock.NewClientMock()
	service := NewContributionService(db, redisClient)

	router := chi.NewRouter()
	router.Post("/chamas/{chamaId}/contributions", service.RecordContribution)

	t.Run("non-member denied before any wallet reads", func(t *testing.T) {
		mock.ExpectQuery("SELECT role FROM memberships WHERE chama_id = \\$1 AND user_id = \\$2 AND status = 'active'").
			WithArgs(int64(1), int64(50)).
			WillReturnRows(sqlmock.NewRows([]string{"role"}))

		body, _ := json.Marshal(RecordContributionRequest{Amount: 2000, Cycle: "2026-08"})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, authedRequest("POST", "/chamas/1/contributions", body, "50"))

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing cycle rejected", func(t *testing.T) {
		expectMembership(mock, 1, 10, "member")

		body, _ := json.Marshal(map[string]any{"amount": 2000})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, authedRequest("POST", "/chamas/1/contributions", body, "10"))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
