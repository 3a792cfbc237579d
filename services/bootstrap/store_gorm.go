package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const uniqueViolation = "23505"

type runModel struct {
	ID          uuid.UUID   `gorm:"type:uuid;primaryKey"`
	ProjectID   string      `gorm:"type:text;not null;index"`
	Status      string      `gorm:"type:text;not null"`
	CurrentStep *string     `gorm:"type:text"`
	CreatedAt   time.Time   `gorm:"type:timestamptz;not null"`
	UpdatedAt   time.Time   `gorm:"type:timestamptz;not null;autoUpdateTime:false"`
	CompletedAt *time.Time  `gorm:"type:timestamptz"`
	Steps       []stepModel `gorm:"foreignKey:RunID;references:ID"`
	Logs        []logModel  `gorm:"foreignKey:RunID;references:ID"`
}

func (runModel) TableName() string { return "bootstrap_runs" }

type stepModel struct {
	RunID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Step         string            `gorm:"type:text;primaryKey"`
	Position     int               `gorm:"not null"`
	Status       string            `gorm:"type:text;not null"`
	StartedAt    *time.Time        `gorm:"type:timestamptz"`
	CompletedAt  *time.Time        `gorm:"type:timestamptz"`
	ErrorSummary *string           `gorm:"type:text"`
	ErrorDetails *string           `gorm:"type:text"`
	ErrorKind    *string           `gorm:"type:text"`
	Output       datatypes.JSONMap `gorm:"type:jsonb"`
}

func (stepModel) TableName() string { return "bootstrap_steps" }

type logModel struct {
	ID       int64     `gorm:"primaryKey;autoIncrement"`
	RunID    uuid.UUID `gorm:"type:uuid;not null;index"`
	LoggedAt time.Time `gorm:"type:timestamptz;not null"`
	Level    string    `gorm:"type:text;not null"`
	Message  string    `gorm:"type:text;not null"`
}

func (logModel) TableName() string { return "bootstrap_logs" }

// GormStore is the Postgres-backed Store.
type GormStore struct {
	orm *gorm.DB
}

// NewGormStore wraps an open gorm handle. Tables are created by the
// migrations in pkg/db.
func NewGormStore(orm *gorm.DB) (*GormStore, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &GormStore{orm: orm}, nil
}

func (s *GormStore) CreateRun(ctx context.Context, run *Run) (*Run, bool, error) {
	if existing, err := s.ActiveRun(ctx, run.ProjectID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrRunNotFound) {
		return nil, false, err
	}

	model, err := toRunModel(run)
	if err != nil {
		return nil, false, err
	}

	err = s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&model).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race against a concurrent create.
			existing, getErr := s.ActiveRun(ctx, run.ProjectID)
			if getErr != nil {
				return nil, false, fmt.Errorf("re-read active run: %w", getErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert run: %w", err)
	}
	return run.Clone(), true, nil
}

func (s *GormStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	id, err := uuid.Parse(strings.TrimSpace(runID))
	if err != nil {
		return nil, ErrRunNotFound
	}
	return s.first(ctx, s.orm.WithContext(ctx).Where("id = ?", id))
}

func (s *GormStore) ActiveRun(ctx context.Context, projectID string) (*Run, error) {
	q := s.orm.WithContext(ctx).
		Where("project_id = ? AND status IN ?", projectID, []string{string(StatusPending), string(StatusRunning)}).
		Order("created_at DESC")
	return s.first(ctx, q)
}

func (s *GormStore) LatestRun(ctx context.Context, projectID string) (*Run, error) {
	q := s.orm.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC")
	return s.first(ctx, q)
}

func (s *GormStore) ListRuns(ctx context.Context, projectID string) ([]*Run, error) {
	var models []runModel
	err := preload(s.orm.WithContext(ctx)).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	out := make([]*Run, 0, len(models))
	for i := range models {
		out = append(out, models[i].toRun())
	}
	return out, nil
}

func (s *GormStore) SaveRun(ctx context.Context, run *Run, appended ...LogEntry) error {
	id, err := uuid.Parse(run.ID)
	if err != nil {
		return ErrRunNotFound
	}

	return s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&runModel{}).Where("id = ?", id).Updates(map[string]any{
			"status":       string(run.Status),
			"current_step": stepPtrToString(run.CurrentStep),
			"updated_at":   run.UpdatedAt,
			"completed_at": run.CompletedAt,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrRunNotFound
		}

		for _, step := range run.Steps {
			err := tx.Model(&stepModel{}).
				Where("run_id = ? AND step = ?", id, string(step.Step)).
				Updates(map[string]any{
					"status":        string(step.Status),
					"started_at":    step.StartedAt,
					"completed_at":  step.CompletedAt,
					"error_summary": step.ErrorSummary,
					"error_details": step.ErrorDetails,
					"error_kind":    kindPtrToString(step.ErrorKind),
					"output":        datatypes.JSONMap(step.Output),
				}).Error
			if err != nil {
				return err
			}
		}

		if len(appended) == 0 {
			return nil
		}
		logs := make([]logModel, 0, len(appended))
		for _, entry := range appended {
			logs = append(logs, logModel{
				RunID:    id,
				LoggedAt: entry.Timestamp,
				Level:    string(entry.Level),
				Message:  entry.Message,
			})
		}
		return tx.Create(&logs).Error
	})
}

func (s *GormStore) first(ctx context.Context, q *gorm.DB) (*Run, error) {
	var model runModel
	err := preload(q).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return model.toRun(), nil
}

func preload(q *gorm.DB) *gorm.DB {
	return q.
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Preload("Logs", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") })
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func toRunModel(run *Run) (runModel, error) {
	id, err := uuid.Parse(run.ID)
	if err != nil {
		return runModel{}, fmt.Errorf("run id: %w", err)
	}
	model := runModel{
		ID:          id,
		ProjectID:   run.ProjectID,
		Status:      string(run.Status),
		CurrentStep: stepPtrToString(run.CurrentStep),
		CreatedAt:   run.CreatedAt,
		UpdatedAt:   run.UpdatedAt,
		CompletedAt: run.CompletedAt,
	}
	for i, step := range run.Steps {
		model.Steps = append(model.Steps, stepModel{
			RunID:        id,
			Step:         string(step.Step),
			Position:     i,
			Status:       string(step.Status),
			StartedAt:    step.StartedAt,
			CompletedAt:  step.CompletedAt,
			ErrorSummary: step.ErrorSummary,
			ErrorDetails: step.ErrorDetails,
			ErrorKind:    kindPtrToString(step.ErrorKind),
			Output:       datatypes.JSONMap(step.Output),
		})
	}
	for _, entry := range run.Logs {
		model.Logs = append(model.Logs, logModel{
			RunID:    id,
			LoggedAt: entry.Timestamp,
			Level:    string(entry.Level),
			Message:  entry.Message,
		})
	}
	return model, nil
}

func (m runModel) toRun() *Run {
	run := &Run{
		ID:          m.ID.String(),
		ProjectID:   m.ProjectID,
		Status:      Status(m.Status),
		CreatedAt:   m.CreatedAt.UTC(),
		UpdatedAt:   m.UpdatedAt.UTC(),
		CompletedAt: m.CompletedAt,
		Steps:       make([]StepRecord, 0, len(m.Steps)),
		Logs:        make([]LogEntry, 0, len(m.Logs)),
	}
	if m.CurrentStep != nil {
		step := StepID(*m.CurrentStep)
		run.CurrentStep = &step
	}
	for _, s := range m.Steps {
		rec := StepRecord{
			Step:         StepID(s.Step),
			Status:       Status(s.Status),
			StartedAt:    s.StartedAt,
			CompletedAt:  s.CompletedAt,
			ErrorSummary: s.ErrorSummary,
			ErrorDetails: s.ErrorDetails,
		}
		if s.ErrorKind != nil {
			kind := Kind(*s.ErrorKind)
			rec.ErrorKind = &kind
		}
		if len(s.Output) > 0 {
			rec.Output = map[string]any(s.Output)
		}
		run.Steps = append(run.Steps, rec)
	}
	for _, l := range m.Logs {
		run.Logs = append(run.Logs, LogEntry{
			Timestamp: l.LoggedAt.UTC(),
			Level:     LogLevel(l.Level),
			Message:   l.Message,
		})
	}
	return run
}

func stepPtrToString(id *StepID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}

func kindPtrToString(k *Kind) *string {
	if k == nil {
		return nil
	}
	s := string(*k)
	return &s
}
