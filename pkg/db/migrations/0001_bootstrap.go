package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upBootstrap, downBootstrap)
}

type BootstrapRun struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey"`
	ProjectID   string          `gorm:"type:text;not null;index"`
	Status      string          `gorm:"type:text;not null"`
	CurrentStep *string         `gorm:"type:text"`
	CreatedAt   time.Time       `gorm:"type:timestamptz;not null;default:now()"`
	UpdatedAt   time.Time       `gorm:"type:timestamptz;not null;default:now()"`
	CompletedAt *time.Time      `gorm:"type:timestamptz"`
	Steps       []BootstrapStep `gorm:"foreignKey:RunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Logs        []BootstrapLog  `gorm:"foreignKey:RunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type BootstrapStep struct {
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

type BootstrapLog struct {
	ID       int64     `gorm:"type:bigserial;primaryKey"`
	RunID    uuid.UUID `gorm:"type:uuid;not null;index"`
	LoggedAt time.Time `gorm:"type:timestamptz;not null;default:now()"`
	Level    string    `gorm:"type:text;not null"`
	Message  string    `gorm:"type:text;not null"`
}

// ProjectCredential holds sealed database keys; the key columns are
// ciphertext only.
type ProjectCredential struct {
	ProjectID      string    `gorm:"type:text;primaryKey"`
	DatabaseRef    string    `gorm:"type:text;not null"`
	DatabaseURL    string    `gorm:"type:text;not null"`
	DatabaseRegion string    `gorm:"type:text;not null;default:''"`
	ServiceRoleKey string    `gorm:"type:text;not null;default:''"`
	AnonKey        string    `gorm:"type:text;not null;default:''"`
	CreatedAt      time.Time `gorm:"type:timestamptz;not null;default:now()"`
	UpdatedAt      time.Time `gorm:"type:timestamptz;not null;default:now()"`
}

type AuditLog struct {
	ID        int64             `gorm:"type:bigserial;primaryKey"`
	ProjectID string            `gorm:"type:text;not null;index"`
	Action    string            `gorm:"type:text;not null"`
	Status    string            `gorm:"type:text;not null"`
	Summary   string            `gorm:"type:text"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (AuditLog) TableName() string { return "audit_log" }

// At most one pending or running run per project.
const activeRunIndex = `CREATE UNIQUE INDEX IF NOT EXISTS bootstrap_runs_one_active
ON bootstrap_runs (project_id) WHERE status IN ('pending', 'running')`

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upBootstrap(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&BootstrapRun{},
		&BootstrapStep{},
		&BootstrapLog{},
		&ProjectCredential{},
		&AuditLog{},
	); err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Exec(activeRunIndex).Error
}

func downBootstrap(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&AuditLog{},
		&ProjectCredential{},
		&BootstrapLog{},
		&BootstrapStep{},
		&BootstrapRun{},
	)
}
