// Package types provides common type definitions for the custody engine.
package types

// SettlementStatus represents the terminal state of a settlement attempt
type SettlementStatus string

const (
	// StatusCompleted represents a fully confirmed settlement
	StatusCompleted SettlementStatus = "completed"
	// StatusRejected represents a settlement rejected before any funds moved
	StatusRejected SettlementStatus = "rejected"
	// StatusNeedsReconciliation represents a partial settlement: funds moved
	// on-chain but the internal ledger was not updated to match
	StatusNeedsReconciliation SettlementStatus = "needs_reconciliation"
	// StatusFailed represents a settlement that failed with no funds moved
	StatusFailed SettlementStatus = "failed"
)

// Ledger action names carried in the Action tag of remote requests
const (
	ActionGetUserProcess  = "Get-User-Process"
	ActionSpawnChild      = "Spawn-Child"
	ActionGetBalance      = "Get-Balance"
	ActionCreditBalance   = "CreditBalance"
	ActionDebitBalance    = "DebitBalance"
	ActionTransferBalance = "TransferBalance"
	ActionTokenBalance    = "Balance"
	ActionTokenTransfer   = "Transfer"
)

// Well-known tag names of the remote ledger protocol
const (
	TagAction         = "Action"
	TagUserID         = "User-ID"
	TagProcessID      = "Process-ID"
	TagDepositAddress = "Deposit-Address"
	TagScheduler      = "Scheduler"
	TagAuthority      = "Authority"
	TagNonce          = "Nonce"
	TagTarget         = "Target"
	TagRecipient      = "Recipient"
	TagQuantity       = "Quantity"
	TagBalance        = "Balance"
	TagFromProcessID  = "From-Process-ID"
	TagToProcessID    = "To-Process-ID"
	TagAmount         = "Amount"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// SettlementOutcome is the caller-visible result of a tip or withdrawal
type SettlementOutcome struct {
	Status  SettlementStatus `json:"status"`
	TxRef   string           `json:"txRef,omitempty"`
	Message string           `json:"message"`
}
