package notes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/plumenotehq/plumenote/internal/collab"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrNoteNotFound indicates the note does not exist or is soft-deleted.
	ErrNoteNotFound = errors.New("notes: note not found")
	// ErrVersionNotFound indicates the version does not exist for the note.
	ErrVersionNotFound = errors.New("notes: version not found")
	// ErrForbidden indicates the acting identity lacks edit permission.
	ErrForbidden = errors.New("notes: edit permission required")
)

// ServiceError carries an operation-scoped failure code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason failure code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "notes.service.new"
	opCreateSnapshot = "notes.create_snapshot"
	opRestore        = "notes.restore"
	opCheckEdit      = "notes.check_edit_permission"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues unique identifiers for version records.
type IDProvider interface {
	NewID() (string, error)
}

// LiveDocuments exposes the in-memory collaborative sessions: reading the
// freshest merged state and pushing restored content so connected editors
// observe it immediately.
type LiveDocuments interface {
	// LiveSnapshot returns the encoded merged state of a live session,
	// or false when the document has no live session.
	LiveSnapshot(key collab.DocumentKey) ([]byte, bool)
	PushReplacement(key collab.DocumentKey, actor string, replacement *collab.State) error
}

// ServiceConfig describes the dependencies of the version and restore service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	// Live is optional; without it restores still succeed but
	// connected editors only observe the change on reload.
	Live LiveDocuments
}

// Service implements versioning, snapshots, restores, and edit permissions.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	live       LiveDocuments

	locksMu   sync.Mutex
	noteLocks map[string]*sync.Mutex
}

// NewService constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		live:       cfg.Live,
		noteLocks:  make(map[string]*sync.Mutex),
	}, nil
}

// lockNote serializes version creation per note. Two versions for the
// same note can never be assigned the same number within this process;
// the unique (note_id, version) index guards the cross-process case.
func (s *Service) lockNote(noteID NoteID) func() {
	s.locksMu.Lock()
	lock, ok := s.noteLocks[noteID.String()]
	if !ok {
		lock = &sync.Mutex{}
		s.noteLocks[noteID.String()] = lock
	}
	s.locksMu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// CheckEditPermission reports whether the user may modify the note.
// Soft-deleted and absent notes yield ErrNoteNotFound.
func (s *Service) CheckEditPermission(ctx context.Context, userID UserID, noteID NoteID) (bool, error) {
	var note Note
	err := s.db.WithContext(ctx).
		Where("note_id = ? AND is_deleted = ?", noteID.String(), false).
		Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, ErrNoteNotFound
	}
	if err != nil {
		s.logError(opCheckEdit, "query_failed", err, zap.String("note_id", noteID.String()))
		return false, newServiceError(opCheckEdit, "query_failed", err)
	}
	if note.OwnerID == userID.String() {
		return true, nil
	}

	var collaborator Collaborator
	err = s.db.WithContext(ctx).
		Where("note_id = ? AND user_id = ? AND role = ?", noteID.String(), userID.String(), RoleEditor).
		Take(&collaborator).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		s.logError(opCheckEdit, "query_failed", err, zap.String("note_id", noteID.String()))
		return false, newServiceError(opCheckEdit, "query_failed", err)
	}
	return true, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("op", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("notes service operation failed", allFields...)
}

func loadLatestVersion(tx *gorm.DB, noteID NoteID) (*NoteVersion, error) {
	var latest NoteVersion
	err := tx.
		Where("note_id = ?", noteID.String()).
		Order("version DESC").
		Take(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &latest, nil
}
