package db

import (
	"fmt"
	"time"

	"worksheet-service/internal/config"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var AppDb *gorm.DB

// ConnectDb opens the database selected by cfg.DBDriver and stores it in AppDb.
func ConnectDb(cfg config.Config) (*gorm.DB, error) {
	level := logger.Info
	if cfg.Environment == "production" {
		level = logger.Error
	}
	gormConfig := &gorm.Config{Logger: newLogger(level), TranslateError: true}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.DBDriver {
	case "sqlite":
		db, err = openSQLite(cfg.SQLitePath, gormConfig)
	case "postgres", "":
		dsn := fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v sslmode=disable",
			cfg.DBHost,
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBName,
			cfg.DBPort,
		)
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.DBDriver)
	}
	if err != nil {
		return nil, fmt.Errorf("error connecting to db: %w", err)
	}

	AppDb = db
	log.Info().Str("driver", cfg.DBDriver).Msg("connected to db")
	return db, nil
}

// OpenInMemory opens a private in-memory SQLite database with the schema applied.
func OpenInMemory() (*gorm.DB, error) {
	db, err := openSQLite(":memory:", &gorm.Config{
		Logger:         newLogger(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func openSQLite(path string, cfg *gorm.Config) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), cfg)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer; one connection serialises transactions
	// instead of failing them with SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)
	return db, nil
}

func CloseDb(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		log.Error().Err(err).Msg("failed to get db handle")
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close db")
		return
	}
	log.Info().Msg("closed db")
}

func newLogger(level logger.LogLevel) logger.Interface {
	return logger.New(
		&log.Logger, // zerolog.Logger implements Printf
		logger.Config{
			SlowThreshold:             time.Second, // Slow SQL threshold
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}
