package sink

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// outcomeRecord is the GORM model backing PostgresRecorder, adapted
// from db/postgres.go's RabbitLog: an embedded gorm.Model for the
// primary key and timestamps, plus this domain's outcome fields in
// place of RabbitLog's document/state/version fields.
type outcomeRecord struct {
	gorm.Model
	SequenceID    int64
	ServiceName   string
	OperationName string
	Phase         string
	Reason        string
	OccurredAt    time.Time
}

// PostgresConfig configures a PostgresRecorder's connection pool,
// mirroring the pool settings db/postgres.go's PGInfo hardcodes.
type PostgresConfig struct {
	DSN             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPostgresConfig mirrors the teacher's hardcoded pool settings.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{MaxIdleConns: 10, MaxOpenConns: 100, ConnMaxLifetime: time.Hour}
}

// PostgresRecorder writes each terminal outcome as a row, adapted from
// db/postgres.go's gorm.Open + AutoMigrate + Create pattern.
type PostgresRecorder struct {
	db *gorm.DB
}

// NewPostgresRecorder connects to Postgres, configures the pool, and
// migrates the outcome table.
func NewPostgresRecorder(cfg PostgresConfig) (*PostgresRecorder, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("sink: open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sink: get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.AutoMigrate(&outcomeRecord{}); err != nil {
		return nil, fmt.Errorf("sink: migrate outcome table: %w", err)
	}

	return &PostgresRecorder{db: db}, nil
}

// RecordOutcome inserts outcome as a new row.
func (r *PostgresRecorder) RecordOutcome(ctx context.Context, outcome TokenOutcome) error {
	row := outcomeRecord{
		SequenceID:    outcome.SequenceID,
		ServiceName:   outcome.ServiceName,
		OperationName: outcome.OperationName,
		Phase:         outcome.Phase,
		Reason:        outcome.Reason,
		OccurredAt:    outcome.OccurredAt,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("sink: insert outcome row: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *PostgresRecorder) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
