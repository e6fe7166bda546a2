package market

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

var (
	ErrQuoteUnavailable        = errors.New("quote unavailable")
	ErrAccountUnavailable      = errors.New("account unavailable")
	ErrInsufficientBuyingPower = errors.New("insufficient buying power")
	ErrOrderRejected           = errors.New("order rejected")
	ErrTransientBroker         = errors.New("transient broker error")
	ErrPersistentBroker        = errors.New("persistent broker error")
)

// ErrorKind classifies a broker failure.
type ErrorKind int

const (
	KindPersistent ErrorKind = iota
	KindTransient
	KindInsufficientFunds
	KindRejected
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindTransient:
		return ErrTransientBroker
	case KindInsufficientFunds:
		return ErrInsufficientBuyingPower
	case KindRejected:
		return ErrOrderRejected
	}
	return ErrPersistentBroker
}

// BrokerError wraps a failed broker call with its classification.
type BrokerError struct {
	Op         string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *BrokerError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %v (HTTP %d): %v", e.Op, e.Kind.sentinel(), e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind.sentinel(), e.Err)
}

func (e *BrokerError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *BrokerError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Classify maps an HTTP status and message to an ErrorKind.
// 429 and 5xx are retryable; an insufficient-funds message wins over the
// generic 4xx rejection.
func Classify(statusCode int, message string) ErrorKind {
	msg := strings.ToLower(message)
	switch {
	case statusCode == http.StatusTooManyRequests, statusCode >= 500:
		return KindTransient
	case strings.Contains(msg, "insufficient"):
		return KindInsufficientFunds
	case statusCode >= 400:
		return KindRejected
	}
	return KindPersistent
}

// Wrap turns any error from a broker call into a *BrokerError. Timeouts and
// network failures are transient.
func Wrap(op string, statusCode int, err error) error {
	if err == nil {
		return nil
	}
	var be *BrokerError
	if errors.As(err, &be) {
		return err
	}
	kind := Classify(statusCode, err.Error())
	if statusCode == 0 {
		var netErr net.Error
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
			kind = KindTransient
		case kind != KindInsufficientFunds:
			kind = KindPersistent
		}
	}
	return &BrokerError{Op: op, Kind: kind, StatusCode: statusCode, Err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientBroker)
}
