package mailer

import (
	"errors"
	"fmt"

	"github.com/wneessen/go-mail"

	"github.com/example/notification-dispatcher/internal/common"
)

// DeliveryError reports that one envelope could not be delivered. It covers
// every failure of a single attempt: connect, TLS, authentication and message
// rejection. It matches common.ErrDelivery.
type DeliveryError struct {
	Recipient string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.Recipient, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	return []error{common.ErrDelivery, e.Err}
}

// Temporary reports whether the failure was transient: a 4xx reply or a cause
// that reports itself temporary, such as a timeout. Nothing retries on it; it
// only labels the failure in logs and reports.
func (e *DeliveryError) Temporary() bool {
	var sendErr *mail.SendError
	if errors.As(e.Err, &sendErr) {
		return sendErr.IsTemp()
	}
	var temp interface{ Temporary() bool }
	if errors.As(e.Err, &temp) {
		return temp.Temporary()
	}
	return false
}

// IsTemporary reports whether err is a DeliveryError with a transient cause.
func IsTemporary(err error) bool {
	var derr *DeliveryError
	return errors.As(err, &derr) && derr.Temporary()
}

// replyError is a canned SMTP reply used by the mock transport.
type replyError struct {
	code int
	text string
}

func (e replyError) Error() string {
	return fmt.Sprintf("mock: %d %s", e.code, e.text)
}

func (e replyError) Temporary() bool {
	return e.code >= 400 && e.code < 500
}
