package notes

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/plumenotehq/plumenote/internal/collab"
)

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustNoteID(t *testing.T, value string) NoteID {
	t.Helper()
	id, err := NewNoteID(value)
	if err != nil {
		t.Fatalf("unexpected note id error: %v", err)
	}
	return id
}

func mustVersionID(t *testing.T, value string) VersionID {
	t.Helper()
	id, err := NewVersionID(value)
	if err != nil {
		t.Fatalf("unexpected version id error: %v", err)
	}
	return id
}

func mustTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:notes_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access raw database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Note{}, &NoteVersion{}, &Collaborator{}, &collab.DocumentState{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func mustService(t *testing.T, db *gorm.DB, live LiveDocuments) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000000, 0) },
		IDProvider: NewUUIDProvider(),
		Live:       live,
	})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	return service
}

func seedNote(t *testing.T, db *gorm.DB, noteID, ownerID, content string) {
	t.Helper()
	note := Note{
		NoteID:           noteID,
		OwnerID:          ownerID,
		Title:            "Test note",
		Content:          content,
		CreatedAtSeconds: 1699990000,
		UpdatedAtSeconds: 1699990000,
	}
	if err := db.Create(&note).Error; err != nil {
		t.Fatalf("failed to seed note: %v", err)
	}
}

func setNoteContent(t *testing.T, db *gorm.DB, noteID, content string) {
	t.Helper()
	err := db.Model(&Note{}).
		Where("note_id = ?", noteID).
		Update("content", content).Error
	if err != nil {
		t.Fatalf("failed to update note content: %v", err)
	}
}

func mustSnapshot(t *testing.T, service *Service, noteID NoteID, actorID UserID) SnapshotResult {
	t.Helper()
	result, err := service.CreateSnapshot(context.Background(), noteID, actorID)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	return result
}

func mustVersions(t *testing.T, service *Service, noteID NoteID) []NoteVersion {
	t.Helper()
	versions, err := service.ListVersions(context.Background(), noteID)
	if err != nil {
		t.Fatalf("list versions failed: %v", err)
	}
	return versions
}
