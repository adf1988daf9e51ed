package store

import "time"

// ReceivedStatus is the lifecycle of a staged raw payload (§3 Received).
type ReceivedStatus string

const (
	ReceivedPending   ReceivedStatus = "pending"
	ReceivedProcessed ReceivedStatus = "processed"
	ReceivedFailed    ReceivedStatus = "failed"
)

// Direction distinguishes append_message's two call sites.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// TransactionStatus is the per-transaction state (§3 Transaction).
type TransactionStatus string

const (
	TxPending    TransactionStatus = "Pending"
	TxAuthorized TransactionStatus = "Authorized"
	TxSettled    TransactionStatus = "Settled"
	TxRejected   TransactionStatus = "Rejected"
	TxCancelled  TransactionStatus = "Cancelled"
	TxReverted   TransactionStatus = "Reverted"
)

// terminalTxStatus reports whether status admits no further transitions
// (§3 Lifecycle / §4.D set_transaction_status: "terminal states ...
// are sticky").
func terminalTxStatus(s TransactionStatus) bool {
	switch s {
	case TxSettled, TxRejected, TxCancelled, TxReverted:
		return true
	default:
		return false
	}
}

// AgentStatus is a transaction_agents row's per-agent state (§3
// Transaction-Agent).
type AgentStatus string

const (
	AgentPending    AgentStatus = "Pending"
	AgentAuthorized AgentStatus = "Authorized"
	AgentRejected   AgentStatus = "Rejected"
	AgentCancelled  AgentStatus = "Cancelled"
)

func terminalAgentStatus(s AgentStatus) bool {
	switch s {
	case AgentAuthorized, AgentRejected, AgentCancelled:
		return true
	default:
		return false
	}
}

// legalAgentTransition implements §4.D's monotonic discipline:
// "Pending→Authorized, Pending→Rejected, Pending→Cancelled; illegal
// transitions are no-ops (already-terminal wins)."
func legalAgentTransition(from, to AgentStatus) bool {
	return from == AgentPending && (to == AgentAuthorized || to == AgentRejected || to == AgentCancelled)
}

// AgentRole is a transaction_agents row's role (§3 Transaction-Agent).
type AgentRole string

const (
	RoleSender     AgentRole = "sender"
	RoleReceiver   AgentRole = "receiver"
	RoleCompliance AgentRole = "compliance"
	RoleOther      AgentRole = "other"
)

// DeliveryType classifies how an outbound message is dispatched (§3
// Delivery, §4.F Recipient classification).
type DeliveryType string

const (
	DeliveryHTTPS       DeliveryType = "https"
	DeliveryInternal    DeliveryType = "internal"
	DeliveryReturnPath  DeliveryType = "return_path"
	DeliveryPickup      DeliveryType = "pickup"
)

// DeliveryStatus is a deliveries row's lifecycle (§3 Delivery).
type DeliveryStatus string

const (
	DeliveryPendingStatus DeliveryStatus = "pending"
	DeliverySuccess       DeliveryStatus = "success"
	DeliveryFailed        DeliveryStatus = "failed"
)

// DecisionType classifies a decision_log row (§3 Decision Log).
type DecisionType string

const (
	DecisionAuthorizationRequired     DecisionType = "authorization_required"
	DecisionPolicySatisfactionRequired DecisionType = "policy_satisfaction_required"
	DecisionSettlementRequired        DecisionType = "settlement_required"
)

// DecisionStatus is a decision_log row's lifecycle (§3 Decision Log).
type DecisionStatus string

const (
	DecisionPending   DecisionStatus = "pending"
	DecisionDelivered DecisionStatus = "delivered"
	DecisionResolved  DecisionStatus = "resolved"
	DecisionExpired   DecisionStatus = "expired"
)

// Received is a staged raw payload row.
type Received struct {
	ID                  int64
	Raw                 []byte
	SourceType          string
	SourceID            string
	Status              ReceivedStatus
	ProcessedMessageID  string
	Error               string
	CreatedAt, UpdatedAt time.Time
}

// StoredMessage is a messages row.
type StoredMessage struct {
	MessageID   string
	Direction   Direction
	Plaintext   []byte
	RawEnvelope []byte
	CreatedAt   time.Time
}

// Transaction is a transactions row.
type Transaction struct {
	TransactionID string
	Kind          string
	InitiatorDID  string
	Status        TransactionStatus
	BodyJSON      []byte
	CreatedAt, UpdatedAt time.Time
}

// TransactionAgent is a transaction_agents row.
type TransactionAgent struct {
	TransactionID string
	AgentDID      string
	Role          AgentRole
	Status        AgentStatus
	CreatedAt, UpdatedAt time.Time
}

// Delivery is a deliveries row.
type Delivery struct {
	ID             int64
	MessageID      string
	Text           []byte
	Recipient      string
	URL            string
	DeliveryType   DeliveryType
	Status         DeliveryStatus
	RetryCount     int
	LastStatusCode int
	Error          string
	CreatedAt, UpdatedAt time.Time
	DeliveredAt    *time.Time
}

// DecisionLogEntry is a decision_log row.
type DecisionLogEntry struct {
	ID               int64
	TransactionID    string
	AgentDID         string
	DecisionType     DecisionType
	Context          []byte
	Status           DecisionStatus
	Resolution       string
	ResolutionDetail string
	CreatedAt, UpdatedAt time.Time
}
