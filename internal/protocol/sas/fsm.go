package sas

import (
	"github.com/pkg/errors"

	"cipherdm/internal/domain"
)

// Event drives a verification transaction from one status to the next.
type Event string

const (
	EventAccept   Event = "accept"
	EventConfirm  Event = "confirm"
	EventMismatch Event = "mismatch"
	EventCancel   Event = "cancel"
	EventExpire   Event = "expire"
)

var transitions = map[domain.VerificationStatus]map[Event]domain.VerificationStatus{
	domain.VerificationStarted: {
		EventAccept: domain.VerificationAccepted,
		EventCancel: domain.VerificationCancelled,
		EventExpire: domain.VerificationExpired,
	},
	domain.VerificationAccepted: {
		EventConfirm:  domain.VerificationConfirmed,
		EventMismatch: domain.VerificationMismatched,
		EventCancel:   domain.VerificationCancelled,
		EventExpire:   domain.VerificationExpired,
	},
	domain.VerificationConfirmed: {
		EventConfirm:  domain.VerificationCompleted,
		EventMismatch: domain.VerificationMismatched,
		EventCancel:   domain.VerificationCancelled,
		EventExpire:   domain.VerificationExpired,
	},
}

// Next returns the status reached from s on e, or ErrVerificationState
// when e is not expected in s. Terminal statuses accept nothing.
func Next(s domain.VerificationStatus, e Event) (domain.VerificationStatus, error) {
	if next, ok := transitions[s][e]; ok {
		return next, nil
	}
	return s, errors.Wrapf(domain.ErrVerificationState, "%s not allowed in %s", e, s)
}
