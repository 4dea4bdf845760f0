package db

import (
	"fmt"
	"log/slog"

	"collab-sync/internal/config"
	"collab-sync/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDB wraps the GORM database instance
type GormDB struct {
	*gorm.DB
}

// NewGorm connects to postgres and migrates the relay's tables
func NewGorm(cfg *config.Config, log *slog.Logger) (*GormDB, error) {
	if log == nil {
		log = slog.Default()
	}

	level := logger.Warn
	if cfg.LogLevel == "debug" {
		level = logger.Info
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL()), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	log.Info("✓ Database connected and migrated successfully",
		slog.String("host", cfg.DBHost),
		slog.String("database", cfg.DBName),
	)

	return &GormDB{db}, nil
}

// Migrate creates or updates the envelope and graph record tables
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.StoredEnvelope{},
		&models.StoredGraphRecord{},
	); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
