package postgres

import (
	"database/sql"

	"github.com/Krchnk/gw-mining-wallet/internal/config"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

func NewStorage(cfg config.DBConfig) (*Storage, error) {
	connStr := cfg.ConnectionString()
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		logrus.WithError(err).Error("failed to open database connection")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		logrus.WithError(err).Error("failed to ping database")
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if cfg.Migrate {
		if err := Migrate(db); err != nil {
			logrus.WithError(err).Error("failed to apply migrations")
			return nil, err
		}
	}

	logrus.Info("database connection established")
	return NewStorageFromDB(db), nil
}

// NewStorageFromDB wraps an already opened handle.
func NewStorageFromDB(db *sql.DB) *Storage {
	return &Storage{db: db}
}

func (s *Storage) Close() error {
	return s.db.Close()
}
