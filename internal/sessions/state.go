package sessions

import (
	"fmt"

	"github.com/examprep/backend/internal/models"
)

type Event string

const (
	EventAccess   Event = "access"
	EventAnswer   Event = "answer"
	EventFinish   Event = "finish"
	EventDeadline Event = "deadline"
	EventGraded   Event = "graded"
)

var transitions = map[models.SessionStatus]map[Event]models.SessionStatus{
	models.StatusCreated: {
		EventAccess:   models.StatusInProgress,
		EventAnswer:   models.StatusInProgress,
		EventFinish:   models.StatusSubmitted,
		EventDeadline: models.StatusExpired,
	},
	models.StatusInProgress: {
		EventAccess:   models.StatusInProgress,
		EventAnswer:   models.StatusInProgress,
		EventFinish:   models.StatusSubmitted,
		EventDeadline: models.StatusExpired,
	},
	models.StatusSubmitted: {
		EventAccess: models.StatusSubmitted,
		EventFinish: models.StatusSubmitted,
		EventGraded: models.StatusGraded,
	},
	models.StatusExpired: {
		EventAccess: models.StatusExpired,
		EventGraded: models.StatusGraded,
	},
	models.StatusGraded: {
		EventAccess: models.StatusGraded,
	},
}

// Transition returns the status reached from "from" on ev.
func Transition(from models.SessionStatus, ev Event) (models.SessionStatus, error) {
	to, ok := transitions[from][ev]
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
	}
	return to, nil
}
