package types

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// ErrorKind categorizes transport-level fetch failures so retry policy can
// treat them individually.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindTimeout
	KindDNS
	KindConnRefused
	KindConnReset
	KindDataLoss
)

var kindNames = map[ErrorKind]string{
	KindOther:       "other",
	KindTimeout:     "timeout",
	KindDNS:         "dns",
	KindConnRefused: "conn_refused",
	KindConnReset:   "conn_reset",
	KindDataLoss:    "data_loss",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "other"
}

// ParseErrorKind maps a config string back to an ErrorKind.
func ParseErrorKind(name string) (ErrorKind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return KindOther, false
}

// FetchError is the typed failure returned by the fetch collaborator.
type FetchError struct {
	Kind ErrorKind
	URL  string
	Err  error
}

func (e *FetchError) Error() string {
	msg := "fetch " + e.URL + ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError wraps err with its classified kind.
func NewFetchError(rawurl string, err error) *FetchError {
	if fe := (*FetchError)(nil); errors.As(err, &fe) {
		return fe
	}
	return &FetchError{Kind: Classify(err), URL: rawurl, Err: err}
}

// Classify maps an arbitrary transport error onto the failure taxonomy.
// Deadline expiry is reported as a timeout, distinct from connection-level
// failures, so retry policy can treat the two differently.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindOther
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNS
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindConnRefused
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return KindConnReset
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return KindDataLoss
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindOther
}
