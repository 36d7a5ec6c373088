package notes

import (
	"context"
	"encoding/base64"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/plumenotehq/plumenote/internal/collab"
)

// Snapshot reasons reported to beacon callers.
const (
	ReasonUnchanged = "unchanged"
	ReasonCreated   = "created"
	ReasonError     = "error"
)

// SnapshotResult reports the outcome of a snapshot request.
type SnapshotResult struct {
	Created   bool
	VersionID string
	Version   int64
	Reason    string
}

// CreateSnapshot records a point-in-time version of the note's current
// content. When the content matches the most recent version the call is a
// no-op. Version creation is serialized per note so assigned numbers are
// dense and strictly increasing.
func (s *Service) CreateSnapshot(ctx context.Context, noteID NoteID, actorID UserID) (SnapshotResult, error) {
	allowed, err := s.CheckEditPermission(ctx, actorID, noteID)
	if err != nil {
		return SnapshotResult{}, err
	}
	if !allowed {
		return SnapshotResult{}, ErrForbidden
	}
	return s.snapshot(ctx, noteID, func(_ *Note) string { return actorID.String() })
}

// SnapshotOnIdle records a version when the last editor disconnects from a
// document's live session. The note owner is recorded as the creator.
func (s *Service) SnapshotOnIdle(ctx context.Context, noteID NoteID) (SnapshotResult, error) {
	return s.snapshot(ctx, noteID, func(note *Note) string { return note.OwnerID })
}

func (s *Service) snapshot(ctx context.Context, noteID NoteID, resolveActor func(*Note) string) (SnapshotResult, error) {
	unlock := s.lockNote(noteID)
	defer unlock()

	var result SnapshotResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var note Note
		err := tx.
			Where("note_id = ? AND is_deleted = ?", noteID.String(), false).
			Take(&note).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoteNotFound
		}
		if err != nil {
			s.logError(opCreateSnapshot, "note_load_failed", err, zap.String("note_id", noteID.String()))
			return newServiceError(opCreateSnapshot, "note_load_failed", err)
		}

		if err := s.refreshNoteContent(tx, &note); err != nil {
			s.logError(opCreateSnapshot, "content_refresh_failed", err, zap.String("note_id", noteID.String()))
			return newServiceError(opCreateSnapshot, "content_refresh_failed", err)
		}

		latest, err := loadLatestVersion(tx, noteID)
		if err != nil {
			s.logError(opCreateSnapshot, "version_load_failed", err, zap.String("note_id", noteID.String()))
			return newServiceError(opCreateSnapshot, "version_load_failed", err)
		}
		if latest != nil && latest.Content == note.Content {
			result = SnapshotResult{Created: false, Reason: ReasonUnchanged}
			return nil
		}

		version, err := s.insertVersion(tx, &note, latest, resolveActor(&note))
		if err != nil {
			s.logError(opCreateSnapshot, "version_insert_failed", err, zap.String("note_id", noteID.String()))
			return newServiceError(opCreateSnapshot, "version_insert_failed", err)
		}
		result = SnapshotResult{
			Created:   true,
			VersionID: version.VersionID,
			Version:   version.Version,
			Reason:    ReasonCreated,
		}
		return nil
	})
	if txErr != nil {
		return SnapshotResult{}, txErr
	}

	if result.Created {
		s.logger.Info("note version created",
			zap.String("note_id", noteID.String()),
			zap.Int64("version", result.Version))
	}
	return result, nil
}

// refreshNoteContent folds the freshest merged document state into the
// note row before it is snapshotted: the live session when one exists,
// else the durable state blob. Without either, the note row already holds
// the current content.
func (s *Service) refreshNoteContent(tx *gorm.DB, note *Note) error {
	key, err := collab.KeyForNote(note.NoteID)
	if err != nil {
		return err
	}

	var raw []byte
	if s.live != nil {
		if payload, ok := s.live.LiveSnapshot(key); ok {
			raw = payload
		}
	}
	if raw == nil {
		var stored collab.DocumentState
		err := tx.Where("doc_key = ?", key.String()).Take(&stored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw = stored.State
	}

	state, err := collab.DecodeState(raw)
	if err != nil {
		return err
	}
	if state.BlockCount() == 0 {
		// A session that never saw an edit carries no blocks; the note
		// row still holds the authoritative content.
		return nil
	}
	text := state.Text()
	stateB64 := base64.StdEncoding.EncodeToString(raw)
	if text == note.Content && stateB64 == note.DocStateB64 {
		return nil
	}
	note.Content = text
	note.DocStateB64 = stateB64
	note.UpdatedAtSeconds = s.clock().UTC().Unix()
	return tx.Model(&Note{}).
		Where("note_id = ?", note.NoteID).
		Updates(map[string]interface{}{
			"content":       note.Content,
			"doc_state_b64": note.DocStateB64,
			"updated_at_s":  note.UpdatedAtSeconds,
		}).Error
}

// insertVersion appends the next sequential version capturing the note's
// current content. Callers hold the per-note lock.
func (s *Service) insertVersion(tx *gorm.DB, note *Note, latest *NoteVersion, actor string) (*NoteVersion, error) {
	nextNumber := int64(1)
	if latest != nil {
		nextNumber = latest.Version + 1
	}
	versionID, err := s.idProvider.NewID()
	if err != nil {
		return nil, err
	}
	version := NoteVersion{
		VersionID:        versionID,
		NoteID:           note.NoteID,
		Version:          nextNumber,
		Content:          note.Content,
		DocStateB64:      note.DocStateB64,
		CreatedBy:        actor,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := tx.Create(&version).Error; err != nil {
		return nil, err
	}
	return &version, nil
}

// VersionCount returns the number of versions recorded for a note.
func (s *Service) VersionCount(ctx context.Context, noteID NoteID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&NoteVersion{}).
		Where("note_id = ?", noteID.String()).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ListVersions returns a note's versions ordered oldest first.
func (s *Service) ListVersions(ctx context.Context, noteID NoteID) ([]NoteVersion, error) {
	var versions []NoteVersion
	err := s.db.WithContext(ctx).
		Where("note_id = ?", noteID.String()).
		Order("version ASC").
		Find(&versions).Error
	if err != nil {
		return nil, err
	}
	return versions, nil
}
