package types

import "time"

// AuditAction is the kind of event an audit entry records.
type AuditAction string

const (
	AuditActionRequestAccess AuditAction = "RequestAccess"
	AuditActionApprove       AuditAction = "Approve"
	AuditActionReject        AuditAction = "Reject"
	AuditActionRevoke        AuditAction = "Revoke"
	AuditActionReadRecord    AuditAction = "ReadRecord"
)

// AuditEntry is an immutable ledger entry. Subject is the patient whose
// records the event concerns; Provider is the other party of the grant.
type AuditEntry struct {
	Sequence  uint64      `json:"sequence"`
	Actor     PrincipalID `json:"actor"`
	Subject   PrincipalID `json:"subject"`
	Provider  PrincipalID `json:"provider"`
	Action    AuditAction `json:"action"`
	Target    string      `json:"target,omitempty"`
	TxID      string      `json:"tx_id"`
	Timestamp time.Time   `json:"timestamp"`
}

// AuditPage is one page of an audit query. An empty Bookmark means the range
// is exhausted.
type AuditPage struct {
	Entries  []AuditEntry `json:"entries"`
	Bookmark string       `json:"bookmark,omitempty"`
}
