package events

import (
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"tasklist/domain"
	"tasklist/taskstore"
)

// Message is the wire form of a store change.
type Message struct {
	ID        string        `json:"id"`
	Kind      string        `json:"kind"`
	TaskID    int           `json:"taskId,omitempty"`
	Tasks     []domain.Task `json:"tasks"`
	Timestamp int64         `json:"timestamp"`
}

// NewMessage stamps c with a fresh id and now in unix milliseconds.
func NewMessage(c taskstore.Change, now time.Time) Message {
	tasks := c.Tasks
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return Message{
		ID:        uuid.NewString(),
		Kind:      string(c.Kind),
		TaskID:    c.TaskID,
		Tasks:     tasks,
		Timestamp: now.UnixMilli(),
	}
}

// Encode marshals m to JSON.
func (m Message) Encode() ([]byte, error) {
	return sonic.Marshal(m)
}

// DecodeMessage parses a payload produced by Encode.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	err := sonic.Unmarshal(data, &m)
	return m, err
}
