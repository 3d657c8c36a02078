package queue

import "errors"

// ErrReceiptNotFound is returned when a receipt handle does not match a held
// lease, either because the message was acknowledged, redelivered, or the
// lease expired.
var ErrReceiptNotFound = errors.New("receipt handle not found or lease expired")

// TransportError wraps transient network or service failures. Callers retry
// through the delivery mechanism (notifier redelivery, visibility timeout),
// not with in-process retry loops.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "transport error: " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError classifies err as transient for the given operation.
func NewTransportError(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
