package chainoracle

import (
	"errors"
	"fmt"
)

// ErrMalformedCoin is returned when decoding an invalid coin record.
var ErrMalformedCoin = errors.New("malformed coin record")

// TransportError is returned when the oracle can't be reached or the call
// failed in transit.
type TransportError struct {
	// Op is the oracle call that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns the error string.
func (e *TransportError) Error() string {
	return fmt.Sprintf("oracle %s: transport: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// TrustError is returned when the oracle answers with data that violates
// its contract, such as undecodable blocks. The oracle is the source of
// truth so there is no way to recover from it.
type TrustError struct {
	// Op is the oracle call that returned the bad data.
	Op string

	// Err describes the violation.
	Err error
}

// Error returns the error string.
func (e *TrustError) Error() string {
	return fmt.Sprintf("oracle %s: untrusted response: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TrustError) Unwrap() error {
	return e.Err
}

// BroadcastError is returned when the oracle rejects a transaction.
type BroadcastError struct {
	// Reason is the rejection message of the oracle.
	Reason string
}

// Error returns the error string.
func (e *BroadcastError) Error() string {
	return fmt.Sprintf("transaction rejected: %s", e.Reason)
}

// IsFatal returns true if err can't be fixed by retrying the call.
func IsFatal(err error) bool {
	var trustErr *TrustError

	return errors.As(err, &trustErr)
}
