// Package postgres is the gorm-backed account store for deployments that
// share a database between lobby servers.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/DoyleJ11/pong-sync/internal/store"
)

type user struct {
	ID             int64  `gorm:"primaryKey"`
	Username       string `gorm:"uniqueIndex;not null"`
	CredentialHash string `gorm:"not null"`
	Games          int    `gorm:"not null;default:0"`
	Wins           int    `gorm:"not null;default:0"`
	Losses         int    `gorm:"not null;default:0"`
	CreatedAt      time.Time
}

type result struct {
	MatchID   string `gorm:"primaryKey"`
	UserID    int64  `gorm:"primaryKey"`
	Outcome   string `gorm:"not null"`
	CreatedAt time.Time
}

type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&user{}, &result{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Authenticate(ctx context.Context, username, credential string) (store.UserID, bool, error) {
	var u user
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, store.ErrNotFound
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup %q: %w", username, err)
	}
	return store.UserID(u.ID), store.CheckCredential(u.CredentialHash, credential), nil
}

func (s *Store) Register(ctx context.Context, username, credential string) (store.UserID, error) {
	hash, err := store.HashCredential(credential)
	if err != nil {
		return 0, err
	}
	u := user{Username: username, CredentialHash: hash}
	if err := s.db.WithContext(ctx).Create(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return 0, fmt.Errorf("register %q: %w", username, store.ErrUsernameTaken)
		}
		return 0, fmt.Errorf("register %q: %w", username, err)
	}
	return store.UserID(u.ID), nil
}

func (s *Store) RecordResult(ctx context.Context, id store.UserID, r store.Result) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u user
		if err := tx.Select("id").First(&u, int64(id)).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("record result for %d: %w", id, store.ErrNotFound)
			}
			return fmt.Errorf("record result for %d: %w", id, err)
		}

		ins := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&result{MatchID: r.MatchID, UserID: int64(id), Outcome: string(r.Outcome)})
		if ins.Error != nil {
			return fmt.Errorf("insert result: %w", ins.Error)
		}
		if ins.RowsAffected == 0 {
			return nil
		}

		wins, losses := r.Outcome.Counts()
		return tx.Model(&user{}).Where("id = ?", int64(id)).Updates(map[string]any{
			"games":  gorm.Expr("games + 1"),
			"wins":   gorm.Expr("wins + ?", wins),
			"losses": gorm.Expr("losses + ?", losses),
		}).Error
	})
}

func (s *Store) GetStats(ctx context.Context, id store.UserID) (store.Stats, error) {
	var u user
	err := s.db.WithContext(ctx).First(&u, int64(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.Stats{}, fmt.Errorf("stats for %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return store.Stats{}, fmt.Errorf("stats for %d: %w", id, err)
	}
	return store.Stats{Games: u.Games, Wins: u.Wins, Losses: u.Losses}, nil
}
