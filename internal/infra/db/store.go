package db

import (
	"context"
	"fmt"

	"hxat/internal/config"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type Store struct {
	DB *gorm.DB
}

// NewStore opens the configured database and migrates the schema. An empty
// DSN starts the gateway in no-db mode; callers then use in-memory
// repositories.
func NewStore(cfg config.Config, log logrus.FieldLogger) (*Store, error) {
	if cfg.Database.DSN == "" {
		log.Warn("database.dsn not set; starting in no-db mode")
		return &Store{DB: nil}, nil
	}

	var dialector gorm.Dialector
	switch cfg.Database.Driver {
	case "", "postgres":
		dialector = postgres.Open(cfg.Database.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.Database.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	gdb, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Database.Driver, err)
	}
	store := &Store{DB: gdb}
	if err := store.Migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) Migrate() error {
	if s.DB == nil {
		return errDBUnavailable
	}
	return s.DB.AutoMigrate(
		&CourseModel{},
		&CourseAdminModel{},
		&PrincipalModel{},
		&AssignmentModel{},
		&ResourceLinkTargetModel{},
	)
}

func (s *Store) Enabled() bool {
	return s != nil && s.DB != nil
}

func (s *Store) Ping(ctx context.Context) error {
	if !s.Enabled() {
		return errDBUnavailable
	}
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	if !s.Enabled() {
		return nil
	}
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
