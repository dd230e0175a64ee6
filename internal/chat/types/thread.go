package types

import (
	"time"

	"github.com/google/uuid"
)

// DefaultThreadTitle is the placeholder a thread carries until it is titled
const DefaultThreadTitle = "New chat"

// Thread is a persisted conversation
type Thread struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	CreatedAt          int64     `json:"createdAt"`
	UpdatedAt          int64     `json:"updatedAt"`
	Messages           []Message `json:"messages"`
	PreviousResponseID string    `json:"previousResponseId,omitempty"`
	UploadedFileIDs    []string  `json:"uploadedFileIds"`
}

// NewThread creates a placeholder-titled thread holding the given messages
func NewThread(msgs ...Message) *Thread {
	now := time.Now().UnixMilli()
	return &Thread{
		ID:              uuid.New().String(),
		Title:           DefaultThreadTitle,
		CreatedAt:       now,
		UpdatedAt:       now,
		Messages:        CloneMessages(msgs),
		UploadedFileIDs: []string{},
	}
}

// HasPlaceholderTitle reports whether the thread still carries the initial title
func (t *Thread) HasPlaceholderTitle() bool {
	return t.Title == DefaultThreadTitle
}

// Clone returns a deep copy
func (t *Thread) Clone() *Thread {
	if t == nil {
		return nil
	}
	out := *t
	out.Messages = CloneMessages(t.Messages)
	out.UploadedFileIDs = append([]string{}, t.UploadedFileIDs...)
	return &out
}

// Sanitized returns a copy safe to write to durable storage
func (t *Thread) Sanitized() *Thread {
	out := t.Clone()
	for i := range out.Messages {
		out.Messages[i] = out.Messages[i].Sanitized()
	}
	return out
}

// Touch bumps the update timestamp
func (t *Thread) Touch() {
	t.UpdatedAt = time.Now().UnixMilli()
}
