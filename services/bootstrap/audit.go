package bootstrap

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"agentboard/pkg/redact"
)

const (
	ActionStart    = "bootstrap_start"
	ActionStep     = "bootstrap_step"
	ActionComplete = "bootstrap_complete"
)

// AuditEntry is one durable audit record.
type AuditEntry struct {
	ProjectID string
	Action    string
	Status    string
	Summary   string
	Metadata  map[string]any
}

// AuditSink is an append-only destination for audit entries.
type AuditSink interface {
	WriteAudit(ctx context.Context, entry AuditEntry) error
}

// Auditor redacts and forwards entries to a sink. Sink failures are logged
// and never returned.
type Auditor struct {
	sink AuditSink
	log  zerolog.Logger
}

// NewAuditor returns an Auditor. A nil sink turns Record into a no-op.
func NewAuditor(sink AuditSink, logger zerolog.Logger) *Auditor {
	return &Auditor{sink: sink, log: logger}
}

// Record writes entry after masking secrets in its summary and metadata.
func (a *Auditor) Record(ctx context.Context, entry AuditEntry) {
	if a == nil || a.sink == nil {
		return
	}
	entry.Summary = redact.String(entry.Summary)
	entry.Metadata = redact.Map(entry.Metadata)

	defer func() {
		if r := recover(); r != nil {
			a.log.Error().Interface("panic", r).Str("action", entry.Action).Msg("audit sink panicked")
		}
	}()
	if err := a.sink.WriteAudit(ctx, entry); err != nil {
		a.log.Warn().Err(err).
			Str("project_id", entry.ProjectID).
			Str("action", entry.Action).
			Msg("write audit entry")
	}
}

type auditModel struct {
	ID        int64             `gorm:"type:bigserial;primaryKey"`
	ProjectID string            `gorm:"type:text;not null;index"`
	Action    string            `gorm:"type:text;not null"`
	Status    string            `gorm:"type:text;not null"`
	Summary   string            `gorm:"type:text"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (auditModel) TableName() string { return "audit_log" }

// GormAuditSink inserts entries into audit_log.
type GormAuditSink struct {
	orm *gorm.DB
}

// NewGormAuditSink wraps orm.
func NewGormAuditSink(orm *gorm.DB) (*GormAuditSink, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &GormAuditSink{orm: orm}, nil
}

func (s *GormAuditSink) WriteAudit(ctx context.Context, entry AuditEntry) error {
	rec := auditModel{
		ProjectID: entry.ProjectID,
		Action:    entry.Action,
		Status:    entry.Status,
		Summary:   entry.Summary,
		Metadata:  datatypes.JSONMap(entry.Metadata),
	}
	return s.orm.WithContext(ctx).Create(&rec).Error
}

// MemoryAuditSink keeps entries in memory.
type MemoryAuditSink struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (s *MemoryAuditSink) WriteAudit(_ context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// Entries returns a copy of the recorded entries.
func (s *MemoryAuditSink) Entries() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.entries...)
}
