package sessions

import (
	"errors"
	"fmt"
	"strings"

	"github.com/examprep/backend/internal/models"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionClosed     = errors.New("session closed")
	ErrNotOwner          = errors.New("session belongs to another student")
	ErrUnknownQuestion   = errors.New("question is not part of this session")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrStructureInactive = errors.New("structure is not active")
	ErrNothingToAssign   = errors.New("structure yields no questions for this student")

	// ErrLedgerWrite means the session and its usage records could not be
	// stored together. Nothing was persisted; the call can be retried.
	ErrLedgerWrite = errors.New("could not record question usage")
)

// PoolExhaustionError lists requirements that stayed short after every
// relaxation step.
type PoolExhaustionError struct {
	StructureID int64
	Shortfalls  []models.SectionShortfall
}

func (e *PoolExhaustionError) Error() string {
	parts := make([]string, len(e.Shortfalls))
	for i, s := range e.Shortfalls {
		parts[i] = fmt.Sprintf("section %d requirement %d missing %d of %d", s.Section, s.Requirement, s.Missing, s.Wanted)
	}
	return fmt.Sprintf("not enough questions for structure %d: %s", e.StructureID, strings.Join(parts, "; "))
}
