package notes

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/plumenotehq/plumenote/internal/collab"
)

// RestoreResult reports a completed restore.
type RestoreResult struct {
	Note              Note
	RestoredFrom      int64
	RestoredVersionID string
	UndoVersionID     string
	UndoVersion       int64
}

// Restore replaces the note's live content with a prior version's content.
// History is append-only: one transaction creates an undo snapshot of the
// live content (version N+1), swaps the note content, and records the
// restored state (version N+2). No existing version is mutated or removed.
// When a live collaborative session exists, the restored state is pushed
// through it after commit so every connected editor converges immediately.
func (s *Service) Restore(ctx context.Context, noteID NoteID, versionID VersionID, actorID UserID) (RestoreResult, error) {
	allowed, err := s.CheckEditPermission(ctx, actorID, noteID)
	if err != nil {
		return RestoreResult{}, err
	}
	if !allowed {
		return RestoreResult{}, ErrForbidden
	}

	key, err := collab.KeyForNote(noteID.String())
	if err != nil {
		return RestoreResult{}, err
	}

	unlock := s.lockNote(noteID)
	defer unlock()

	var (
		result        RestoreResult
		restoredState *collab.State
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var note Note
		err := tx.
			Where("note_id = ? AND is_deleted = ?", noteID.String(), false).
			Take(&note).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoteNotFound
		}
		if err != nil {
			s.logError(opRestore, "note_load_failed", err, zap.String("note_id", noteID.String()))
			return newServiceError(opRestore, "note_load_failed", err)
		}

		var target NoteVersion
		err = tx.
			Where("version_id = ? AND note_id = ?", versionID.String(), noteID.String()).
			Take(&target).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrVersionNotFound
		}
		if err != nil {
			s.logError(opRestore, "version_load_failed", err, zap.String("note_id", noteID.String()))
			return newServiceError(opRestore, "version_load_failed", err)
		}

		if err := s.refreshNoteContent(tx, &note); err != nil {
			s.logError(opRestore, "content_refresh_failed", err, zap.String("note_id", noteID.String()))
			return newServiceError(opRestore, "content_refresh_failed", err)
		}

		latest, err := loadLatestVersion(tx, noteID)
		if err != nil {
			s.logError(opRestore, "version_list_failed", err, zap.String("note_id", noteID.String()))
			return newServiceError(opRestore, "version_list_failed", err)
		}
		nextNumber := int64(1)
		if latest != nil {
			nextNumber = latest.Version + 1
		}

		// Undo snapshot: the live content verbatim, so the in-progress
		// state stays recoverable by restoring to this version.
		undo, err := s.appendVersion(tx, note.NoteID, nextNumber, note.Content, note.DocStateB64, actorID)
		if err != nil {
			s.logError(opRestore, "undo_insert_failed", err, zap.String("note_id", noteID.String()))
			return newServiceError(opRestore, "undo_insert_failed", err)
		}

		// Restored content: the structured document state when the target
		// carries one, else its plain text.
		restoredState, err = decodeDocStateB64(target.DocStateB64)
		if err != nil {
			s.logger.Warn("target doc state unreadable, falling back to plain text",
				zap.String("note_id", noteID.String()),
				zap.String("version_id", target.VersionID),
				zap.Error(err))
			restoredState = nil
		}
		if restoredState == nil {
			restoredState = collab.StateFromText(actorID.String(), target.Content)
		}
		stateRaw, stateB64, err := encodeDocState(restoredState)
		if err != nil {
			s.logError(opRestore, "state_encode_failed", err, zap.String("note_id", noteID.String()))
			return newServiceError(opRestore, "state_encode_failed", err)
		}

		now := s.clock().UTC().Unix()
		note.Content = target.Content
		note.DocStateB64 = stateB64
		note.UpdatedAtSeconds = now
		err = tx.Model(&Note{}).
			Where("note_id = ?", note.NoteID).
			Updates(map[string]interface{}{
				"content":       note.Content,
				"doc_state_b64": note.DocStateB64,
				"updated_at_s":  note.UpdatedAtSeconds,
			}).Error
		if err != nil {
			s.logError(opRestore, "note_update_failed", err, zap.String("note_id", noteID.String()))
			return newServiceError(opRestore, "note_update_failed", err)
		}

		// The durable state blob moves with the note so a future session
		// hydrates the restored document even if none is live now.
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "doc_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "updated_at_s"}),
		}).Create(&collab.DocumentState{
			DocKey:           key.String(),
			State:            stateRaw,
			UpdatedAtSeconds: now,
		}).Error
		if err != nil {
			s.logError(opRestore, "state_upsert_failed", err, zap.String("note_id", noteID.String()))
			return newServiceError(opRestore, "state_upsert_failed", err)
		}

		restored, err := s.appendVersion(tx, note.NoteID, nextNumber+1, note.Content, stateB64, actorID)
		if err != nil {
			s.logError(opRestore, "restored_insert_failed", err, zap.String("note_id", noteID.String()))
			return newServiceError(opRestore, "restored_insert_failed", err)
		}

		result = RestoreResult{
			Note:              note,
			RestoredFrom:      target.Version,
			RestoredVersionID: restored.VersionID,
			UndoVersionID:     undo.VersionID,
			UndoVersion:       undo.Version,
		}
		return nil
	})
	if txErr != nil {
		return RestoreResult{}, txErr
	}

	if s.live != nil {
		err := s.live.PushReplacement(key, actorID.String(), restoredState)
		if err != nil && !errors.Is(err, collab.ErrNoSession) {
			s.logger.Warn("restored state push to live session failed",
				zap.String("doc_key", key.String()),
				zap.Error(err))
		}
	}

	s.logger.Info("note restored",
		zap.String("note_id", noteID.String()),
		zap.String("user_id", actorID.String()),
		zap.Int64("restored_from", result.RestoredFrom),
		zap.Int64("undo_version", result.UndoVersion))
	return result, nil
}

func (s *Service) appendVersion(tx *gorm.DB, noteID string, number int64, content string, docStateB64 string, actorID UserID) (*NoteVersion, error) {
	versionID, err := s.idProvider.NewID()
	if err != nil {
		return nil, err
	}
	version := NoteVersion{
		VersionID:        versionID,
		NoteID:           noteID,
		Version:          number,
		Content:          content,
		DocStateB64:      docStateB64,
		CreatedBy:        actorID.String(),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := tx.Create(&version).Error; err != nil {
		return nil, err
	}
	return &version, nil
}
