package protocol

import (
	"errors"
	"fmt"
)

// Stable error codes surfaced to clients as JSON {error, details?}. Handlers
// and peers match on the code, never on the details text.
const (
	CodeEnvelopeMalformed        = "envelope-malformed"
	CodeEnvelopeSignatureInvalid = "envelope-signature-invalid"
	CodeEnvelopeKeyMismatch      = "envelope-key-mismatch"
	CodeNonceReused              = "nonce-reused"
	CodeTSOutOfWindow            = "ts-out-of-window"

	CodeNoCapableNode     = "no-capable-node"
	CodeCapacityExhausted = "capacity-exhausted"
	CodeConstraintUnmet   = "constraint-unmet"
	CodeRouterSaturated   = "router-saturated"

	CodePaymentRequired           = "payment-required"
	CodePaymentRequestExpired     = "payment-request-expired"
	CodePaymentAmountMismatch     = "payment-amount-mismatch"
	CodePaymentSplitTotalMismatch = "payment-split-total-mismatch"
	CodePaymentInvoiceMismatch    = "payment-invoice-mismatch"
	CodePaymentSignatureInvalid   = "payment-signature-invalid"
	CodePaymentUnsettled          = "payment-unsettled"

	CodePeerUnreachable   = "peer-unreachable"
	CodeAuctionNoBids     = "auction-no-bids"
	CodeAwardExpired      = "award-expired"
	CodeFederationFailure = "federation-failure"

	CodeRunnerClientError = "runner-client-error"
	CodeRunnerUnavailable = "runner-unavailable"
	CodePersistFailed     = "persist-failed"
	CodeInternal          = "internal"
)

// WireError is the JSON error body every surface returns.
type WireError struct {
	Code    string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (e *WireError) Error() string {
	if e.Details == "" {
		return e.Code
	}
	return e.Code + ": " + e.Details
}

// NewWireError builds a coded error with optional formatted details.
func NewWireError(code, format string, args ...any) *WireError {
	details := format
	if len(args) > 0 {
		details = fmt.Sprintf(format, args...)
	}
	return &WireError{Code: code, Details: details}
}

// CodeOf extracts the stable code from an error, defaulting to internal.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var we *WireError
	if errors.As(err, &we) {
		return we.Code
	}
	return CodeInternal
}
