package userdir

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// User is the PostgreSQL users row.
type User struct {
	ID        uint   `gorm:"primaryKey"`
	Username  string `gorm:"size:64;not null;uniqueIndex"`
	Email     string `gorm:"size:255;not null;default:''"`
	CreatedAt time.Time
}

// Postgres is a Directory over a PostgreSQL users table.
type Postgres struct {
	db *gorm.DB
}

var _ Directory = (*Postgres)(nil)

// OpenPostgres connects to dsn and migrates the users table.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewPostgres(db)
}

// NewPostgres wraps an existing connection and migrates the users table.
func NewPostgres(db *gorm.DB) (*Postgres, error) {
	if err := db.AutoMigrate(&User{}); err != nil {
		return nil, fmt.Errorf("migrate users: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) UserExists(ctx context.Context, username string) (bool, error) {
	var n int64
	err := p.db.WithContext(ctx).Model(&User{}).Where("username = ?", username).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("look up user %s: %w", username, err)
	}
	return n > 0, nil
}

func (p *Postgres) AddUser(ctx context.Context, username, email string) error {
	if username == "" {
		return ErrInvalidUsername
	}
	result := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "username"}}, DoNothing: true}).
		Create(&User{Username: username, Email: email})
	if result.Error != nil {
		return fmt.Errorf("create user %s: %w", username, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserExists
	}
	return nil
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
