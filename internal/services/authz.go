package services

import (
	"database/sql"
	"net/http"
	"strconv"

	"github.com/chamavault/backend/internal/models"
)

// Operation kinds recognised by the ledger.
type Operation string

const (
	OpTopUp              Operation = "topup"
	OpWithdraw           Operation = "withdraw"
	OpSend               Operation = "send"
	OpLock               Operation = "lock"
	OpUnlock             Operation = "unlock"
	OpSendChamaFunds     Operation = "send_chama_funds"
	OpRepayLoan          Operation = "repay_loan"
	OpRequestLoan        Operation = "request_loan"
	OpApproveLoan        Operation = "approve_loan"
	OpRecordContribution Operation = "record_contribution"
	OpVerifyContribution Operation = "verify_contribution"
	OpAssignRole         Operation = "assign_role"
	OpAnnounce           Operation = "announce"
)

// capabilities maps {operation} -> roles allowed to perform it within a
// chama. One table consulted once per operation, instead of ad-hoc role
// string comparisons scattered through handlers.
var capabilities = map[Operation]map[string]bool{
	OpSendChamaFunds:     {models.RoleAdmin: true},
	OpAssignRole:         {models.RoleAdmin: true},
	OpApproveLoan:        {models.RoleAdmin: true, models.RoleTreasurer: true, models.RoleChairman: true},
	OpVerifyContribution: {models.RoleAdmin: true, models.RoleTreasurer: true, models.RoleChairman: true},
	OpAnnounce:           {models.RoleAdmin: true, models.RoleTreasurer: true, models.RoleChairman: true},
	OpRepayLoan:          anyActiveMember,
	OpRequestLoan:        anyActiveMember,
	OpRecordContribution: anyActiveMember,
}

var anyActiveMember = map[string]bool{
	models.RoleMember:    true,
	models.RoleSecretary: true,
	models.RoleTreasurer: true,
	models.RoleChairman:  true,
	models.RoleAdmin:     true,
}

// Allowed reports whether a role may perform op. Unknown operations are
// denied for every role.
func Allowed(role string, op Operation) bool {
	roles, ok := capabilities[op]
	if !ok {
		return false
	}
	return roles[role]
}

// AuthenticatedUserID extracts the actor set by the auth middleware.
func AuthenticatedUserID(r *http.Request) (int64, error) {
	raw, ok := r.Context().Value("userID").(string)
	if !ok || raw == "" {
		return 0, ErrUnauthenticated
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, ErrUnauthenticated
	}
	return id, nil
}

// ActiveRole returns the actor's role in a chama, or ErrForbidden when no
// active membership exists.
func ActiveRole(db *sql.DB, chamaID, userID int64) (string, error) {
	var role string
	err := db.QueryRow(`
		SELECT role FROM memberships
		WHERE chama_id = $1 AND user_id = $2 AND status = 'active'
	`, chamaID, userID).Scan(&role)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", ErrForbidden
		}
		return "", err
	}
	return role, nil
}

// Authorize combines membership lookup and the capability check.
func Authorize(db *sql.DB, chamaID, userID int64, op Operation) (string, error) {
	role, err := ActiveRole(db, chamaID, userID)
	if err != nil {
		return "", err
	}
	if !Allowed(role, op) {
		return "", ErrForbidden
	}
	return role, nil
}
