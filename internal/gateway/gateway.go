// Package gateway defines the contract implemented by each external payment
// gateway adapter. Adapters handle all gateway-specific API calls, including
// serialization, per-call timeouts, and error mapping, normalizing raw gateway
// responses into the common CreateResult / StatusResult shapes.
//
// A gateway rejection (an explicit decline code in the response body) is part
// of the normal result, never a Go error. Adapters return a non-nil error only
// for genuine transport faults, where it is unknown whether the remote side
// processed the request at all.
package gateway

import "context"

// Method selects which gateway adapter drives a payment attempt.
type Method string

const (
	// MethodWalletRedirect hands the user off to an external wallet app and
	// confirms by an explicit status query after the app returns.
	MethodWalletRedirect Method = "WALLET_REDIRECT"
	// MethodBankQR renders a bank-transfer QR code and confirms by polling,
	// since the user pays out-of-band in a separate banking app.
	MethodBankQR Method = "BANK_QR"
)

// Valid reports whether m is a known payment method.
func (m Method) Valid() bool {
	return m == MethodWalletRedirect || m == MethodBankQR
}

// TxStatus is the gateway's view of a transaction, as reported by QueryStatus.
type TxStatus int

const (
	TxPending TxStatus = iota
	TxSucceeded
	TxFailed
)

func (s TxStatus) String() string {
	switch s {
	case TxSucceeded:
		return "SUCCEEDED"
	case TxFailed:
		return "FAILED"
	default:
		return "PENDING"
	}
}

// Terminal reports whether the gateway considers the transaction settled.
func (s TxStatus) Terminal() bool {
	return s == TxSucceeded || s == TxFailed
}

// CreateRequest carries the inputs for a remote transaction creation.
type CreateRequest struct {
	OrderID     string
	Amount      int64 // minor currency units, authoritative at session creation
	Description string
}

// Artifact is the gateway-specific payload the caller needs to complete
// payment. Exactly one family of fields is populated depending on the method:
// the app-launch fields for WALLET_REDIRECT, the QR fields for BANK_QR.
type Artifact struct {
	// TransactionID is the opaque identifier used for all status queries.
	TransactionID string

	// App-redirect wallet fields.
	LaunchToken string
	AppTransID  string

	// Bank-transfer QR fields.
	QRDataURL        string
	BankAccount      string
	AccountName      string
	TransferContent  string
	PaymentReference string
}

// CreateResult is the normalized outcome of a CreateTransaction call that
// reached the gateway and got a decodable response.
type CreateResult struct {
	Accepted      bool
	Artifact      Artifact
	RejectCode    string
	RejectMessage string // gateway message, surfaced verbatim to the user
	LatencyMs     int64
}

// StatusResult is the normalized outcome of a QueryStatus call.
type StatusResult struct {
	Status TxStatus
	// FailureMessage carries the gateway's own wording when Status is TxFailed.
	FailureMessage string
}

// Adapter is implemented once per gateway.
type Adapter interface {
	// CreateTransaction registers the payment with the remote gateway and
	// returns the launch artifact. It must be called at most once per payment
	// session: a transport error leaves the remote state ambiguous, so callers
	// must not retry creation without querying status first.
	CreateTransaction(ctx context.Context, req CreateRequest) (CreateResult, error)

	// QueryStatus reports the gateway's current view of the transaction.
	// It is idempotent and side-effect-free; safe to call any number of times.
	QueryStatus(ctx context.Context, transactionID string) (StatusResult, error)

	// Name returns the gateway name used in logs, metrics and circuit breaking.
	Name() string
}
