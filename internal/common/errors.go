package common

import (
	"errors"
	"fmt"
)

// Sentinel errors used to classify failures across the dispatcher. Concrete
// errors wrap one of these so callers can branch with errors.Is.
var (
	// ErrConfig marks a configuration problem that prevents startup.
	ErrConfig = errors.New("config error")
	// ErrConnection marks bus or mail transport connectivity failures.
	ErrConnection = errors.New("connection error")
	// ErrDecode marks an inbound payload that could not be decoded.
	ErrDecode = errors.New("decode error")
	// ErrDelivery marks a failed delivery to a single recipient.
	ErrDelivery = errors.New("delivery error")
	// ErrSubscriptionState marks an operation on a missing or closed subscription.
	ErrSubscriptionState = errors.New("subscription state error")
)

// WrapConnection annotates an error as a connectivity failure.
func WrapConnection(err error) error {
	return wrap(ErrConnection, err)
}

// WrapDecode annotates an error as a decode failure.
func WrapDecode(err error) error {
	return wrap(ErrDecode, err)
}

// WrapConfig annotates an error as a configuration failure.
func WrapConfig(err error) error {
	return wrap(ErrConfig, err)
}

func wrap(kind, err error) error {
	if err == nil {
		return kind
	}
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}
