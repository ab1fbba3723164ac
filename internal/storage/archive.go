package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"netinterceptor/internal/logger"
	"netinterceptor/pkg/model"
)

// CallRecordRow HTTP 记录归档表
type CallRecordRow struct {
	ID           uint   `gorm:"primaryKey"`
	Generation   string `gorm:"index;size:64"`
	Seq          int
	RequestID    string `gorm:"size:64"`
	URL          string
	Method       string `gorm:"size:16"`
	ResourceType string `gorm:"size:32"`
	CrossDomain  bool
	Pending      bool
	StatusCode   int
	IsMock       bool
	ErrorKind    string `gorm:"size:16"`
	DurationMS   int64
	DelayMS      int64
	TimeStart    time.Time
	Data         string
	CreatedAt    time.Time
}

// SocketActionRow WebSocket 动作归档表
type SocketActionRow struct {
	ID         uint   `gorm:"primaryKey"`
	Generation string `gorm:"index;size:64"`
	SocketID   string `gorm:"index;size:64"`
	Seq        int
	Type       string `gorm:"size:16"`
	URL        string
	Data       string
	Code       int
	Reason     string
	Timestamp  time.Time
}

// Archive 基于 sqlite 的世代历史归档
type Archive struct {
	db  *gorm.DB
	log logger.Logger
}

// OpenArchive 打开（必要时创建）归档数据库
func OpenArchive(dsn, prefix string, l logger.Logger) (*Archive, error) {
	if l == nil {
		l = logger.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         NewGormLogger(l),
		NamingStrategy: schema.NamingStrategy{TablePrefix: prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", dsn, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("archive pool: %w", err)
	}
	// sqlite 单连接，内存库的所有操作共享同一个库
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&CallRecordRow{}, &SocketActionRow{}); err != nil {
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return &Archive{db: db, log: l}, nil
}

// SaveGeneration 持久化一个世代的全部 HTTP 记录与 WebSocket 动作
func (a *Archive) SaveGeneration(ctx context.Context, store *MemoryStore) error {
	gen := string(store.Generation())
	ctx = withGeneration(ctx, gen)

	records := store.Records()
	rows := make([]CallRecordRow, 0, len(records))
	for i := range records {
		row, err := toRow(gen, &records[i])
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	var actions []SocketActionRow
	for _, sock := range store.Sockets() {
		for _, act := range sock.Actions {
			actions = append(actions, SocketActionRow{
				Generation: gen,
				SocketID:   string(sock.ID),
				Seq:        act.Seq,
				Type:       string(act.Type),
				URL:        act.URL,
				Data:       act.Data,
				Code:       act.Code,
				Reason:     act.Reason,
				Timestamp:  act.Timestamp,
			})
		}
	}

	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, 100).Error; err != nil {
				return err
			}
		}
		if len(actions) > 0 {
			if err := tx.CreateInBatches(actions, 100).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("archive generation %s: %w", gen, err)
	}
	a.log.Info("世代历史已归档", "generation", gen, "records", len(rows), "actions", len(actions))
	return nil
}

// Records 读取某个世代归档的 HTTP 记录，按插入顺序
func (a *Archive) Records(ctx context.Context, gen model.GenerationID) ([]model.CallRecord, error) {
	var rows []CallRecordRow
	err := a.db.WithContext(withGeneration(ctx, string(gen))).
		Where("generation = ?", string(gen)).Order("seq").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	out := make([]model.CallRecord, 0, len(rows))
	for _, row := range rows {
		var rec model.CallRecord
		if err := json.Unmarshal([]byte(row.Data), &rec); err != nil {
			return nil, fmt.Errorf("decode record %d: %w", row.ID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Actions 读取某个世代归档的 WebSocket 动作，按发生顺序
func (a *Archive) Actions(ctx context.Context, gen model.GenerationID) ([]SocketActionRow, error) {
	var rows []SocketActionRow
	err := a.db.WithContext(withGeneration(ctx, string(gen))).
		Where("generation = ?", string(gen)).Order("seq").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load actions: %w", err)
	}
	return rows, nil
}

// Generations 列出已归档的世代
func (a *Archive) Generations(ctx context.Context) ([]model.GenerationID, error) {
	var gens []string
	if err := a.db.WithContext(ctx).Model(&CallRecordRow{}).Distinct().Pluck("generation", &gens).Error; err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	out := make([]model.GenerationID, 0, len(gens))
	for _, g := range gens {
		out = append(out, model.GenerationID(g))
	}
	return out, nil
}

// Close 关闭数据库
func (a *Archive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(gen string, rec *model.CallRecord) (CallRecordRow, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return CallRecordRow{}, fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	row := CallRecordRow{
		Generation:   gen,
		Seq:          rec.Seq,
		RequestID:    string(rec.ID),
		URL:          rec.URL,
		Method:       rec.Method,
		ResourceType: string(rec.ResourceType),
		CrossDomain:  rec.CrossDomain,
		Pending:      rec.IsPending(),
		DurationMS:   rec.Duration.Milliseconds(),
		DelayMS:      rec.Delay.Milliseconds(),
		TimeStart:    rec.TimeStart,
		Data:         string(data),
	}
	if rec.Response != nil {
		row.StatusCode = rec.Response.StatusCode
		row.IsMock = rec.Response.IsMock
	}
	if rec.RequestError != nil {
		row.ErrorKind = string(rec.RequestError.Kind)
	}
	return row, nil
}
