package domain

import "errors"

// ErrCheckpointNotFound is returned by CheckpointStore.Load when no
// checkpoint exists for the session.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// ModelRefusal is returned when the model explicitly declines to
// answer. It is distinct from empty content or a broken endpoint:
// retrying the same request will not help.
type ModelRefusal struct {
	Message string
}

func (e *ModelRefusal) Error() string {
	return "model refused to answer: " + e.Message
}
