package booking

import (
	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// allowedNext is the booking state machine. Terminal states have no entry.
var allowedNext = map[models.BookingStatus][]models.BookingStatus{
	models.StatusPending:       {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:      {models.StatusDriverEnRoute, models.StatusCancelled},
	models.StatusDriverEnRoute: {models.StatusDriverArrived, models.StatusCancelled},
	models.StatusDriverArrived: {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress:    {models.StatusCompleted, models.StatusCancelled},
}

// KnownStatus reports whether s is one of the seven booking states.
func KnownStatus(s models.BookingStatus) bool {
	if _, ok := allowedNext[s]; ok {
		return true
	}
	return s.Terminal()
}

// CanTransition reports whether from -> to is an edge of the state machine.
// Self transitions are not edges; see CheckTransition.
func CanTransition(from, to models.BookingStatus) bool {
	for _, next := range allowedNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition validates a status change. It returns noop=true when the
// booking is already in the requested state.
func CheckTransition(from, to models.BookingStatus) (noop bool, err error) {
	if from == to {
		return true, nil
	}
	if !CanTransition(from, to) {
		return false, apperr.InvalidTransition(string(from), string(to))
	}
	return false, nil
}
