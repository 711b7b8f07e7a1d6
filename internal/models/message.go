package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Message represents a single chat turn. Role is free-form: it names the speaker and drives display
// styling, RoleAction marks narration. The position of a message in its slice is its chronological
// order, ID only exists for lookups.
type Message struct {
	ID           string
	Role         string
	Content      string
	Type         MessageType
	Images       []Image `json:",omitempty"`
	ThoughtLabel string  `json:",omitempty"`
	Timestamp    time.Time
}

// Image is a generated image attached to a message.
type Image struct {
	// Data is the base64 encoded PNG returned by the image server.
	Data   string
	Prompt string
	Seed   int64
}

// MessageType distinguishes regular turns from model "thoughts" shown collapsed in the UI.
type MessageType string

const (
	// MessageTypeMessage is a regular chat turn.
	MessageTypeMessage MessageType = "message"
	// MessageTypeThought is an inner-monologue entry.
	MessageTypeThought MessageType = "thought"

	// RoleAction is the role given to narration lines.
	RoleAction = "ACTION"
	// RoleAssistant is the role used for thoughts.
	RoleAssistant = "ASSISTANT"
	// RoleUser is the role of the human in plain chats.
	RoleUser = "USER"
)

// NewMessage creates a message with a fresh random ID.
func NewMessage(typ MessageType, role, content string, images ...Image) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Type:      typ,
		Images:    images,
		Timestamp: time.Now(),
	}
}

// NewThought creates an assistant thought. An empty label defaults to "Thoughts".
func NewThought(content, label string) Message {
	if label == "" {
		label = "Thoughts"
	}
	msg := NewMessage(MessageTypeThought, RoleAssistant, content)
	msg.ThoughtLabel = label
	return msg
}

// AddMessage returns a new slice holding messages followed by msg. The input slice is never written to,
// so callers holding it keep seeing the same elements.
func AddMessage(messages []Message, msg Message) []Message {
	return append(slices.Clip(messages), msg)
}

// MessageIndexBefore scans backward from before (exclusive) and returns the index of the nearest
// message satisfying test, or -1. A before past the end is clamped to len(messages), so passing
// len(messages) searches the whole slice.
func MessageIndexBefore(messages []Message, test func(Message) bool, before int) int {
	if before > len(messages) {
		before = len(messages)
	}
	for i := before - 1; i >= 0; i-- {
		if test(messages[i]) {
			return i
		}
	}
	return -1
}

// MessageBefore is MessageIndexBefore returning the message itself.
func MessageBefore(messages []Message, test func(Message) bool, before int) (Message, bool) {
	i := MessageIndexBefore(messages, test, before)
	if i < 0 {
		return Message{}, false
	}
	return messages[i], true
}

// IndexByID returns the position of the message with the given ID, or -1.
func IndexByID(messages []Message, id string) int {
	return slices.IndexFunc(messages, func(m Message) bool { return m.ID == id })
}

// HasRole returns a predicate matching messages spoken by role.
func HasRole(role string) func(Message) bool {
	return func(m Message) bool { return m.Role == role }
}
