package data

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lk2023060901/ai-chat-stream/internal/chat/biz"
	"github.com/lk2023060901/ai-chat-stream/internal/chat/types"
	"github.com/lk2023060901/ai-chat-stream/internal/pkg/database"
	apperrors "github.com/lk2023060901/ai-chat-stream/internal/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessagesJSON 自定义 JSONB 类型（消息列表）
type MessagesJSON []types.Message

func (j *MessagesJSON) Scan(value interface{}) error {
	return scanJSON(value, j)
}

func (j MessagesJSON) Value() (driver.Value, error) {
	if j == nil {
		return "[]", nil
	}
	raw, err := json.Marshal(j)
	return string(raw), err
}

// StringsJSON 自定义 JSONB 类型（文件 ID 列表）
type StringsJSON []string

func (j *StringsJSON) Scan(value interface{}) error {
	return scanJSON(value, j)
}

func (j StringsJSON) Value() (driver.Value, error) {
	if j == nil {
		return "[]", nil
	}
	raw, err := json.Marshal(j)
	return string(raw), err
}

func scanJSON(value interface{}, dst interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported jsonb source %T", value)
	}
	return json.Unmarshal(raw, dst)
}

// ThreadPO represents the database model
type ThreadPO struct {
	ID                 string       `gorm:"size:64;primarykey"`
	Title              string       `gorm:"size:255;not null"`
	CreatedAt          int64        `gorm:"not null;autoCreateTime:false"`
	UpdatedAt          int64        `gorm:"not null;index:idx_chat_threads_updated_at;autoUpdateTime:false"`
	Messages           MessagesJSON `gorm:"type:jsonb;not null"`
	PreviousResponseID string       `gorm:"size:128"`
	UploadedFileIDs    StringsJSON  `gorm:"type:jsonb;not null"`
}

func (ThreadPO) TableName() string {
	return "chat_threads"
}

// PostgresRepo implements biz.ThreadRepo on PostgreSQL
type PostgresRepo struct {
	db *database.DB
}

var _ biz.ThreadRepo = (*PostgresRepo)(nil)

// NewPostgresRepo migrates the table and returns the repo
func NewPostgresRepo(db *database.DB) (*PostgresRepo, error) {
	if err := db.AutoMigrate(&ThreadPO{}); err != nil {
		return nil, err
	}
	return &PostgresRepo{db: db}, nil
}

// Save upserts the whole thread
func (r *PostgresRepo) Save(ctx context.Context, thread *types.Thread) error {
	po := toThreadPO(thread)
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(po).Error
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*types.Thread, error) {
	var po ThreadPO
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&po).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewThreadNotFound(id)
		}
		return nil, err
	}
	return po.toThread(), nil
}

func (r *PostgresRepo) List(ctx context.Context) ([]*types.Thread, error) {
	var pos []ThreadPO
	if err := r.db.WithContext(ctx).Order("updated_at DESC").Order("id").Find(&pos).Error; err != nil {
		return nil, err
	}
	threads := make([]*types.Thread, len(pos))
	for i := range pos {
		threads[i] = pos[i].toThread()
	}
	return threads, nil
}

func (r *PostgresRepo) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&ThreadPO{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.NewThreadNotFound(id)
	}
	return nil
}

func toThreadPO(t *types.Thread) *ThreadPO {
	return &ThreadPO{
		ID:                 t.ID,
		Title:              t.Title,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
		Messages:           MessagesJSON(t.Messages),
		PreviousResponseID: t.PreviousResponseID,
		UploadedFileIDs:    StringsJSON(t.UploadedFileIDs),
	}
}

func (po *ThreadPO) toThread() *types.Thread {
	t := &types.Thread{
		ID:                 po.ID,
		Title:              po.Title,
		CreatedAt:          po.CreatedAt,
		UpdatedAt:          po.UpdatedAt,
		Messages:           []types.Message(po.Messages),
		PreviousResponseID: po.PreviousResponseID,
		UploadedFileIDs:    []string(po.UploadedFileIDs),
	}
	if t.UploadedFileIDs == nil {
		t.UploadedFileIDs = []string{}
	}
	return t
}
