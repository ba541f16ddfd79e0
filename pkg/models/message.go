package models

import (
	"encoding/json"
	"time"
)

// MessageType classifies a bus message.
type MessageType string

// Message types.
const (
	MessageTypeTask     MessageType = "task"
	MessageTypeSubtask  MessageType = "subtask"
	MessageTypeResponse MessageType = "response"
	MessageTypeError    MessageType = "error"
	MessageTypeControl  MessageType = "control"
)

// Control payloads understood by worker runtimes.
const (
	ControlShutdown = "shutdown"
)

// Message is an immutable inter-agent message. Seq is assigned by the
// message log on append; a zero Seq means the message has not been
// logged yet.
type Message struct {
	Seq         int64       `json:"seq"`
	SessionID   string      `json:"session_id"`
	Sender      string      `json:"sender"`
	Receiver    string      `json:"receiver"`
	Type        MessageType `json:"type"`
	Correlation string      `json:"correlation"`
	Parent      int64       `json:"parent,omitempty"` // seq of the message this answers, 0 = none
	Payload     string      `json:"payload"`
	CreatedAt   time.Time   `json:"created_at"`
}

// SubtaskAssignment is the structured payload of a subtask message.
type SubtaskAssignment struct {
	SubtaskID int    `json:"subtask_id"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Role      Role   `json:"role"`
	Attempt   int    `json:"attempt"`
	Deadline  int64  `json:"deadline,omitempty"` // unix nanoseconds, 0 = none
}

// Encode serializes the assignment for use as a message payload.
func (a SubtaskAssignment) Encode() string {
	b, _ := json.Marshal(a)
	return string(b)
}

// DecodeSubtaskAssignment parses a subtask message payload.
func DecodeSubtaskAssignment(payload string) (SubtaskAssignment, error) {
	var a SubtaskAssignment
	err := json.Unmarshal([]byte(payload), &a)
	return a, err
}
