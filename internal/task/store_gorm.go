package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	_ Store   = (*GormStore)(nil)
	_ Lister  = (*GormStore)(nil)
	_ Clearer = (*GormStore)(nil)
	_ Sweeper = (*GormStore)(nil)
)

// taskDocument stores the whole task as one JSON document. The scalar
// columns exist for lookups and sweeping only.
type taskDocument struct {
	ID          string         `gorm:"column:id;primaryKey;size:128"`
	Status      string         `gorm:"column:status;size:16;not null"`
	Document    datatypes.JSON `gorm:"column:document;not null"`
	ExpiresAtMS int64          `gorm:"column:expires_at_unix_ms;not null;index:idx_paused_task_documents_expires_at"`
	CreatedAt   int64          `gorm:"column:created_at_unix_ms;autoCreateTime:milli"`
	UpdatedAt   int64          `gorm:"column:updated_at_unix_ms;autoUpdateTime:milli"`
}

func (taskDocument) TableName() string {
	return "paused_task_documents"
}

// GormStore is a document-style store on any gorm dialect. It migrates its
// table on construction.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormStore(ctx context.Context, db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db is nil")
	}
	if err := db.WithContext(ctx).AutoMigrate(&taskDocument{}); err != nil {
		return nil, fmt.Errorf("migrate paused_task_documents failed: %w", err)
	}
	return &GormStore{db: db, now: time.Now}, nil
}

func (s *GormStore) Save(ctx context.Context, task Task) error {
	if s == nil || s.db == nil {
		return ErrStoreNotInitialized
	}

	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task failed: %w", err)
	}
	doc := taskDocument{
		ID:          task.ID,
		Status:      string(task.Status),
		Document:    datatypes.JSON(raw),
		ExpiresAtMS: timeToUnixMS(task.ExpiresAt),
	}

	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "document", "expires_at_unix_ms", "updated_at_unix_ms"}),
		}).
		Create(&doc).Error
	if err != nil {
		return fmt.Errorf("upsert task document failed: %w", err)
	}
	return nil
}

func (s *GormStore) Load(ctx context.Context, taskID string) (*Task, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreNotInitialized
	}

	var doc taskDocument
	err := s.db.WithContext(ctx).Where("id = ?", taskID).Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task document failed: %w", err)
	}
	if doc.ExpiresAtMS > 0 && s.now().UnixMilli() >= doc.ExpiresAtMS {
		return nil, nil
	}
	return decodeDocument(doc)
}

func decodeDocument(doc taskDocument) (*Task, error) {
	var task Task
	if err := json.Unmarshal(doc.Document, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task document %s failed: %w", doc.ID, err)
	}
	return &task, nil
}

func (s *GormStore) Delete(ctx context.Context, taskID string) error {
	if s == nil || s.db == nil {
		return ErrStoreNotInitialized
	}
	if err := s.db.WithContext(ctx).Where("id = ?", taskID).Delete(&taskDocument{}).Error; err != nil {
		return fmt.Errorf("delete task document failed: %w", err)
	}
	return nil
}

func (s *GormStore) List(ctx context.Context) ([]Task, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreNotInitialized
	}

	var docs []taskDocument
	if err := s.db.WithContext(ctx).Order("updated_at_unix_ms DESC").Order("id ASC").Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("query task documents failed: %w", err)
	}

	out := make([]Task, 0, len(docs))
	for _, doc := range docs {
		task, err := decodeDocument(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, *task)
	}
	return out, nil
}

func (s *GormStore) Clear(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrStoreNotInitialized
	}
	err := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&taskDocument{}).Error
	if err != nil {
		return fmt.Errorf("clear task documents failed: %w", err)
	}
	return nil
}

func (s *GormStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrStoreNotInitialized
	}

	res := s.db.WithContext(ctx).
		Where("expires_at_unix_ms > 0 AND expires_at_unix_ms <= ?", now.UTC().UnixMilli()).
		Delete(&taskDocument{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge expired task documents failed: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("resolve gorm connection failed: %w", err)
	}
	return sqlDB.Close()
}
