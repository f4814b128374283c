// Package store persists call records and the append-only call log in sqlite.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"peercall/native/internal/domain"
)

// Memory opens a private in-memory database.
const Memory = ":memory:"

type callRow struct {
	ID              uint   `gorm:"primaryKey"`
	CallID          string `gorm:"size:36;uniqueIndex"`
	CallerIdentity  string `gorm:"index"`
	CalleeIdentity  string `gorm:"index"`
	Status          int
	StartTime       *time.Time
	EndTime         *time.Time
	DurationSeconds int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (callRow) TableName() string { return "calls" }

type logRow struct {
	ID         uint   `gorm:"primaryKey"`
	CallID     string `gorm:"size:36;index"`
	FromStatus int
	ToStatus   int
	Reason     string
	At         time.Time
}

func (logRow) TableName() string { return "call_logs" }

// Store implements domain.CallStore on gorm.
type Store struct {
	db  *gorm.DB
	log *logrus.Entry
}

var _ domain.CallStore = (*Store)(nil)

// Open opens or creates the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	log := logrus.WithField("component", "store")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.New(log, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	if path == Memory {
		// every pooled connection would otherwise get its own empty database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("database handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&callRow{}, &logRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.WithField("path", path).Debug("store opened")
	return &Store{db: db, log: log}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveCall inserts the call or updates its status and times.
func (s *Store) SaveCall(ctx context.Context, call *domain.Call) error {
	row := callRow{
		CallID:          call.CallID.String(),
		CallerIdentity:  call.CallerID,
		CalleeIdentity:  call.CalleeID,
		Status:          int(call.Status),
		StartTime:       call.StartTime,
		EndTime:         call.EndTime,
		DurationSeconds: call.DurationSeconds,
		CreatedAt:       call.CreatedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "call_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "start_time", "end_time", "duration_seconds", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save call %s: %w", call.CallID, err)
	}
	return nil
}

// AppendLog inserts one log entry. Entries are never updated.
func (s *Store) AppendLog(ctx context.Context, entry domain.CallLogEntry) error {
	row := logRow{
		CallID:     entry.CallID.String(),
		FromStatus: int(entry.From),
		ToStatus:   int(entry.To),
		Reason:     entry.Reason,
		At:         entry.At,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append log for %s: %w", entry.CallID, err)
	}
	return nil
}

// GetCall returns the record for callID or ErrCallNotFound.
func (s *Store) GetCall(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	var row callRow
	err := s.db.WithContext(ctx).Where("call_id = ?", callID.String()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrCallNotFound, callID)
	}
	if err != nil {
		return nil, fmt.Errorf("get call %s: %w", callID, err)
	}
	rec, err := row.record()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Logs returns the log of callID in insertion order.
func (s *Store) Logs(ctx context.Context, callID uuid.UUID) ([]domain.CallLogEntry, error) {
	var rows []logRow
	if err := s.db.WithContext(ctx).Where("call_id = ?", callID.String()).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("logs for %s: %w", callID, err)
	}
	out := make([]domain.CallLogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.CallLogEntry{
			CallID: callID,
			From:   domain.CallStatus(r.FromStatus),
			To:     domain.CallStatus(r.ToStatus),
			Reason: r.Reason,
			At:     r.At,
		})
	}
	return out, nil
}

// History returns the newest calls identity took part in, at most limit of
// them (limit <= 0 returns all). Totals cover every call, not just the page.
func (s *Store) History(ctx context.Context, identity string, limit int) (*domain.CallHistory, error) {
	scope := func(db *gorm.DB) *gorm.DB {
		return db.Model(&callRow{}).Where("caller_identity = ? OR callee_identity = ?", identity, identity)
	}
	db := s.db.WithContext(ctx)

	h := &domain.CallHistory{Calls: []domain.CallRecord{}}
	if err := db.Scopes(scope).Count(&h.TotalCount).Error; err != nil {
		return nil, fmt.Errorf("count calls: %w", err)
	}
	if err := db.Scopes(scope).Select("COALESCE(SUM(duration_seconds), 0)").Scan(&h.TotalDurationSeconds).Error; err != nil {
		return nil, fmt.Errorf("sum durations: %w", err)
	}

	q := db.Scopes(scope).Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []callRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			s.log.WithError(err).WithField("row", r.ID).Warn("skipping corrupt call row")
			continue
		}
		h.Calls = append(h.Calls, rec)
	}
	return h, nil
}

func (r callRow) record() (domain.CallRecord, error) {
	id, err := uuid.Parse(r.CallID)
	if err != nil {
		return domain.CallRecord{}, fmt.Errorf("call row %d: %w", r.ID, err)
	}
	return domain.CallRecord{
		ID:              r.ID,
		CallID:          id,
		CallerIdentity:  r.CallerIdentity,
		CalleeIdentity:  r.CalleeIdentity,
		Status:          domain.CallStatus(r.Status),
		StartTime:       r.StartTime,
		EndTime:         r.EndTime,
		DurationSeconds: r.DurationSeconds,
		CreatedAt:       r.CreatedAt,
	}, nil
}
