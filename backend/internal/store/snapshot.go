package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"golang.org/x/xerrors"
	"gorm.io/gorm"

	"workspace-collab/backend/internal/collab"
)

// DocumentSnapshot 是文档在某个版本的完整内容
type DocumentSnapshot struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	DocumentID string    `gorm:"size:255;not null;uniqueIndex:uk_doc_version,priority:1"`
	Version    int       `gorm:"not null;uniqueIndex:uk_doc_version,priority:2"`
	Content    string    `gorm:"type:longtext;not null"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

func (DocumentSnapshot) TableName() string { return "document_snapshots" }

// SnapshotStore 实现 collab.Persistence
type SnapshotStore struct{ db *gorm.DB }

var _ collab.Persistence = (*SnapshotStore)(nil)

func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

// Save 写入一个版本的快照；同一版本重复写入视为成功
func (s *SnapshotStore) Save(ctx context.Context, docID, content string, version int) error {
	row := DocumentSnapshot{DocumentID: docID, Version: version, Content: content}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicate(err) {
			return nil
		}
		return xerrors.Errorf("insert snapshot %s@%d: %w", docID, version, err)
	}
	return nil
}

// Load 返回最新版本的快照
func (s *SnapshotStore) Load(ctx context.Context, docID string) (string, int, error) {
	var row DocumentSnapshot
	err := s.db.WithContext(ctx).
		Where("document_id = ?", docID).
		Order("version DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", 0, collab.ErrSnapshotNotFound
	}
	if err != nil {
		return "", 0, xerrors.Errorf("query snapshot %s: %w", docID, err)
	}
	return row.Content, row.Version, nil
}

// Prune 只保留每个文档最新的 keep 个快照，返回删除的行数
func (s *SnapshotStore) Prune(ctx context.Context, docID string, keep int) (int64, error) {
	if keep <= 0 {
		keep = 1
	}
	var versions []int
	err := s.db.WithContext(ctx).Model(&DocumentSnapshot{}).
		Where("document_id = ?", docID).
		Order("version DESC").
		Offset(keep - 1).Limit(1).
		Pluck("version", &versions).Error
	if err != nil {
		return 0, xerrors.Errorf("find prune boundary %s: %w", docID, err)
	}
	if len(versions) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("document_id = ? AND version < ?", docID, versions[0]).
		Delete(&DocumentSnapshot{})
	if res.Error != nil {
		return 0, xerrors.Errorf("prune snapshots %s: %w", docID, res.Error)
	}
	return res.RowsAffected, nil
}
