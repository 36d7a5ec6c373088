package collab

import (
	"errors"
	"fmt"
	"strings"
)

const (
	documentKeyPrefix   = "note:"
	maxIdentifierLength = 190
)

var (
	// ErrInvalidNoteID indicates a note identifier is empty, prefixed, or too long.
	ErrInvalidNoteID = errors.New("collab: invalid note id")
	// ErrInvalidDocumentKey indicates a document key is malformed.
	ErrInvalidDocumentKey = errors.New("collab: invalid document key")
)

// DocumentKey is the stable identifier for a collaborative document,
// derived deterministically from the backing note identifier.
type DocumentKey string

// String returns the underlying key string.
func (key DocumentKey) String() string {
	return string(key)
}

// KeyForNote derives the document key for a note identifier.
func KeyForNote(noteID string) (DocumentKey, error) {
	trimmed := strings.TrimSpace(noteID)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	if strings.HasPrefix(trimmed, documentKeyPrefix) {
		return "", fmt.Errorf("%w: contains reserved prefix %q", ErrInvalidNoteID, documentKeyPrefix)
	}
	return DocumentKey(documentKeyPrefix + trimmed), nil
}

// NoteIDForKey recovers the note identifier backing a document key.
func NoteIDForKey(key DocumentKey) (string, error) {
	raw := string(key)
	if !strings.HasPrefix(raw, documentKeyPrefix) {
		return "", fmt.Errorf("%w: missing prefix %q", ErrInvalidDocumentKey, documentKeyPrefix)
	}
	noteID := strings.TrimPrefix(raw, documentKeyPrefix)
	if strings.TrimSpace(noteID) == "" {
		return "", fmt.Errorf("%w: empty note id", ErrInvalidDocumentKey)
	}
	return noteID, nil
}

// ParseDocumentKey validates a raw key string supplied by a client.
func ParseDocumentKey(raw string) (DocumentKey, error) {
	key := DocumentKey(strings.TrimSpace(raw))
	if _, err := NoteIDForKey(key); err != nil {
		return "", err
	}
	return key, nil
}
