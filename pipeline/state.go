package pipeline

import (
	"fmt"

	"contract-ingest/models"
)

var transitions = map[models.JobState][]models.JobState{
	models.StateQueued:  {models.StateRunning, models.StateCancelled},
	models.StateRunning: {models.StateCompleted, models.StateFailed, models.StateCancelled, models.StatePaused},
	models.StatePaused:  {models.StateRunning, models.StateCancelled},
}

// ValidateTransition reports whether a job may move from one state to
// another. Terminal states allow nothing.
func ValidateTransition(from, to models.JobState) error {
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
