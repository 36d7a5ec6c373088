package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store loads and persists durable document state blobs keyed by document key.
type Store interface {
	// Load fetches the latest durable state for a document, or nil when
	// the document has never been persisted.
	Load(ctx context.Context, key DocumentKey) ([]byte, error)
	// Save durably upserts the current merged state for a document.
	Save(ctx context.Context, key DocumentKey, state []byte) error
}

// DocumentState stores the durable merged-state blob for one document.
type DocumentState struct {
	DocKey           string `gorm:"column:doc_key;primaryKey;size:196;not null"`
	State            []byte `gorm:"column:state;type:blob;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentState) TableName() string {
	return "document_states"
}

// GormStoreConfig describes the dependencies for a GormStore.
type GormStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// GormStore persists document state through GORM.
type GormStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewGormStore constructs a GormStore.
func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("collab: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &GormStore{db: cfg.Database, clock: clock}, nil
}

// Load fetches the latest durable state blob, or nil when absent.
func (store *GormStore) Load(ctx context.Context, key DocumentKey) ([]byte, error) {
	var record DocumentState
	err := store.db.WithContext(ctx).
		Where("doc_key = ?", key.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record.State, nil
}

// Save upserts the state blob for the document key.
func (store *GormStore) Save(ctx context.Context, key DocumentKey, state []byte) error {
	record := DocumentState{
		DocKey:           key.String(),
		State:            state,
		UpdatedAtSeconds: store.clock().UTC().Unix(),
	}
	return store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "doc_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "updated_at_s"}),
		}).
		Create(&record).Error
}
