package service

import (
	"errors"

	"github.com/opexdev/backoffice/services/accountant/internal/model"
	"github.com/opexdev/backoffice/services/accountant/internal/storage"
)

var (
	ErrPairConfigNotFound = errors.New("pair config not found")
	ErrNotImplemented     = errors.New("not implemented")
	// ErrReserveExceeded means a trade would move more than the order reserved.
	ErrReserveExceeded = errors.New("trade exceeds reserved amount")
	ErrOrderClosed     = errors.New("order is in a terminal state")
	// ErrUnbalancedTrade means one side would be credited a different amount
	// than the other side sends, which happens when the two orders carry
	// different fractions for the same pair.
	ErrUnbalancedTrade = errors.New("trade legs do not balance")
)

// DLQReason classifies errors that no retry can fix. It returns "" for
// transient errors.
func DLQReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPairConfigNotFound):
		return "config"
	case errors.Is(err, ErrNotImplemented):
		return "not_implemented"
	case errors.Is(err, ErrReserveExceeded), errors.Is(err, ErrOrderClosed), errors.Is(err, ErrUnbalancedTrade),
		errors.Is(err, storage.ErrNegativeAmount):
		return "conservation"
	case errors.Is(err, model.ErrUnknownEventType):
		return "unknown_event_type"
	default:
		return ""
	}
}

func IsPermanent(err error) bool {
	return DLQReason(err) != ""
}
