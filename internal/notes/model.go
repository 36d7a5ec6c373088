package notes

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("notes: invalid user id")
	// ErrInvalidVersionID indicates that a version identifier is empty or exceeds storage bounds.
	ErrInvalidVersionID = errors.New("notes: invalid version id")
)

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// VersionID represents a validated version identifier.
type VersionID string

// NewVersionID validates raw input and returns a VersionID.
func NewVersionID(rawInput string) (VersionID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidVersionID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidVersionID, maxIdentifierLength)
	}
	return VersionID(trimmed), nil
}

// String returns the underlying string identifier.
func (id VersionID) String() string {
	return string(id)
}

// CollaboratorRole enumerates the access levels a collaborator may hold.
type CollaboratorRole string

const (
	// RoleEditor may read and modify the note.
	RoleEditor CollaboratorRole = "editor"
	// RoleViewer may only read the note.
	RoleViewer CollaboratorRole = "viewer"
)

// Note models the persisted note payload consumed by the collaboration core.
type Note struct {
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_notes_owner"`
	Title            string `gorm:"column:title;size:512;not null;default:''"`
	Content          string `gorm:"column:content;type:text;not null;default:''"`
	DocStateB64      string `gorm:"column:doc_state_b64;type:text;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// NoteVersion stores an immutable point-in-time snapshot of a note.
// Versions are append-only: normal operation never updates or deletes one.
type NoteVersion struct {
	VersionID        string `gorm:"column:version_id;primaryKey;size:190;not null"`
	NoteID           string `gorm:"column:note_id;size:190;not null;uniqueIndex:idx_note_versions_note_version,priority:1"`
	Version          int64  `gorm:"column:version;not null;uniqueIndex:idx_note_versions_note_version,priority:2"`
	Content          string `gorm:"column:content;type:text;not null;default:''"`
	DocStateB64      string `gorm:"column:doc_state_b64;type:text;not null;default:''"`
	CreatedBy        string `gorm:"column:created_by;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (NoteVersion) TableName() string {
	return "note_versions"
}

// Collaborator grants a user a role on a note.
type Collaborator struct {
	NoteID string           `gorm:"column:note_id;primaryKey;size:190;not null"`
	UserID string           `gorm:"column:user_id;primaryKey;size:190;not null"`
	Role   CollaboratorRole `gorm:"column:role;size:32;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Collaborator) TableName() string {
	return "note_collaborators"
}
