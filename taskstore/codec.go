package taskstore

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"tasklist/domain"
)

// DefaultKey is the storage key holding the serialized collection.
const DefaultKey = "task-storage"

// stateVersion is written with every snapshot. Documents carrying another
// version are ignored on read since there is no migration path.
const stateVersion = 0

var (
	// ErrNoState means the document did not contain a task collection.
	ErrNoState = errors.New("no persisted task state")
	// ErrMalformed means the document could not be trusted.
	ErrMalformed = errors.New("malformed persisted task state")
)

type persistedState struct {
	Tasks *[]domain.Task `json:"tasks"`
}

type envelope struct {
	State   *persistedState `json:"state"`
	Version *int            `json:"version,omitempty"`
}

// Encode serializes the full collection into the persisted envelope.
func Encode(tasks []domain.Task) (string, error) {
	if tasks == nil {
		tasks = []domain.Task{}
	}
	v := stateVersion
	data, err := sonic.ConfigStd.Marshal(envelope{
		State:   &persistedState{Tasks: &tasks},
		Version: &v,
	})
	if err != nil {
		return "", fmt.Errorf("encode tasks: %w", err)
	}
	return string(data), nil
}

// Decode parses a persisted envelope. Unknown fields are ignored. Ids are
// returned as stored; the store repairs duplicates when it hydrates.
func Decode(raw string) ([]domain.Task, error) {
	if raw == "" {
		return nil, ErrNoState
	}
	var env envelope
	if err := sonic.ConfigStd.UnmarshalFromString(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.State == nil || env.State.Tasks == nil {
		return nil, ErrNoState
	}
	if env.Version != nil && *env.Version != stateVersion {
		return nil, fmt.Errorf("%w: version %d", ErrNoState, *env.Version)
	}
	return *env.State.Tasks, nil
}
