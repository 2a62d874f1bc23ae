package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a tick could not complete. Every kind is terminal
// for the current tick only; the next scheduling pass retries.
type ErrorKind string

const (
	ErrSessionNotFound             ErrorKind = "SessionNotFound"
	ErrSessionNotRunning           ErrorKind = "SessionNotRunning"
	ErrStrategyNotFound            ErrorKind = "StrategyNotFound"
	ErrAccountNotFound             ErrorKind = "AccountNotFound"
	ErrNoCredentialConfigured      ErrorKind = "NoCredentialConfigured"
	ErrCredentialDecryptFailed     ErrorKind = "CredentialDecryptFailed"
	ErrReferencedCredentialDeleted ErrorKind = "ReferencedCredentialDeleted"
	ErrMarketDataUnavailable       ErrorKind = "MarketDataUnavailable"
	ErrDecisionProviderTimeout     ErrorKind = "DecisionProviderTimeout"
	ErrDecisionProviderMalformed   ErrorKind = "DecisionProviderMalformedOutput"
	ErrDecisionProviderFailed      ErrorKind = "DecisionProviderUnavailable"
	ErrBrokerExecutionFailed       ErrorKind = "BrokerExecutionFailed"
	ErrTickInFlight                ErrorKind = "TickInFlight"
	ErrInternal                    ErrorKind = "Internal"
)

// KindGuardrailVetoed marks a normal, non-failing outcome where a guardrail
// blocked the proposed trade.
const KindGuardrailVetoed ErrorKind = "GuardrailVetoed"

type TickError struct {
	Kind ErrorKind
	Err  error
}

func (e *TickError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TickError) Unwrap() error { return e.Err }

// Fail wraps err with a kind. A nil err still yields a usable error.
func Fail(kind ErrorKind, err error) error {
	return &TickError{Kind: kind, Err: err}
}

func Failf(kind ErrorKind, format string, args ...interface{}) error {
	return &TickError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first TickError in err's chain, or
// ErrInternal for unclassified errors. A nil error has no kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *TickError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrInternal
}
