package lifecycle

import (
	"errors"
	"fmt"

	"github.com/ifuryst/herald/internal/models"
)

var (
	// ErrInvalidTransition is returned for any change outside the transition table.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrAlreadyDue is returned when a schedule time is not strictly in the future.
	ErrAlreadyDue = errors.New("schedule time is not in the future")
	// ErrNoDestinations is returned when a post has nothing to publish to.
	ErrNoDestinations = errors.New("no destinations")
)

// TransitionError describes a rejected transition.
type TransitionError struct {
	From    models.PostStatus
	To      models.PostStatus
	Trigger Trigger
	Reason  string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition %s -> %s on %s", e.From, e.To, e.Trigger)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

func reject(from, to models.PostStatus, trigger Trigger, reason string) error {
	return &TransitionError{From: from, To: to, Trigger: trigger, Reason: reason}
}
