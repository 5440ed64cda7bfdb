// Package fabricerr carries the ledger error taxonomy. Every failure that
// crosses the gateway boundary is classified into a Kind so the submitter
// and projector can decide between retry, terminal failure and alerting
// without string matching.
package fabricerr

import (
	"errors"
	"fmt"
)

// Kind buckets a ledger-side failure by disposition.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindConnect
	KindCircuitOpen
	KindChaincode
	KindPermission
	KindTimeout
	KindEndorsement
	KindOrdering
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config_invalid"
	case KindConnect:
		return "fabric_connect"
	case KindCircuitOpen:
		return "circuit_open"
	case KindChaincode:
		return "chaincode_rejected"
	case KindPermission:
		return "permission_denied"
	case KindTimeout:
		return "timeout"
	case KindEndorsement:
		return "endorsement"
	case KindOrdering:
		return "ordering"
	default:
		return "unknown"
	}
}

// Retryable reports whether failures of this kind may succeed on retry.
// Chaincode rejections and permission failures are terminal; everything
// transport-shaped is worth another attempt.
func (k Kind) Retryable() bool {
	switch k {
	case KindConnect, KindCircuitOpen, KindTimeout, KindEndorsement, KindOrdering:
		return true
	default:
		return false
	}
}

// Error is a classified ledger failure.
type Error struct {
	Kind Kind
	TxID string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a classified error with a plain message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from an error chain; KindUnknown if absent.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Retryable reports whether the error chain carries a retryable kind.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}

// Alertable reports failures that should page an operator immediately.
// Permission denials almost always mean rotated MSP credentials.
func Alertable(err error) bool {
	return KindOf(err) == KindPermission
}

// TxIDOf returns the transaction id attached to a classified error, if any.
func TxIDOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.TxID
	}
	return ""
}
