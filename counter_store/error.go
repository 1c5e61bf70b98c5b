package counter_store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/sony/gobreaker"
)

// ErrNotFound is returned when the requested counter record does not exist.
var ErrNotFound = errors.New("counter record not found")

// Kind classifies a Counter Store failure.
type Kind int

const (
	// KindNotFound means the record is absent.
	KindNotFound Kind = iota
	// KindRemoteUnavailable covers network and service failures.
	KindRemoteUnavailable
	// KindUnexpected is everything else.
	KindUnexpected
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindRemoteUnavailable:
		return "remote_unavailable"
	default:
		return "unexpected"
	}
}

// RemoteError describes a failed request to the Counter Store.
type RemoteError struct {
	Kind       Kind
	Op         string // Operation that failed (read, create, increment)
	StatusCode int    // HTTP status, 0 if no response was received
	Code       string // Service error code, if any
	Message    string
	Err        error
}

func (e *RemoteError) Error() string {
	msg := "counter store " + e.Op + " failed"
	if e.StatusCode != 0 {
		msg += " [status=" + strconv.Itoa(e.StatusCode)
		if e.Code != "" {
			msg += ", code=" + e.Code
		}
		msg += "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// unavailable builds a RemoteError of kind KindRemoteUnavailable.
func unavailable(op string, err error) *RemoteError {
	return &RemoteError{Kind: KindRemoteUnavailable, Op: op, Err: err}
}

// statusKind maps an HTTP status code to a failure kind.
func statusKind(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= http.StatusInternalServerError:
		return KindRemoteUnavailable
	default:
		return KindUnexpected
	}
}

// Classify returns the failure kind of err. A nil error is reported as KindUnexpected
// and should not be passed in.
func Classify(err error) Kind {
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindRemoteUnavailable
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return KindRemoteUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindRemoteUnavailable
	}
	return KindUnexpected
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return Classify(err) == KindNotFound
}

func notFound(itemID ItemID) error {
	return fmt.Errorf("item %s: %w", itemID, ErrNotFound)
}
