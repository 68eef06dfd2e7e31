package db

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB открывает файл SQLite с локальным состоянием и выполняет миграции.
// path ":memory:" подходит для тестов.
func InitDB(path string) (*gorm.DB, error) {
	logLevel := logger.Silent
	if os.Getenv("DB_DEBUG") == "true" {
		logLevel = logger.Info
	}

	conn, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка при открытии базы %s: %w", path, err)
	}

	// SQLite допускает одного писателя, а :memory: живет в одном соединении
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("ошибка при получении соединения: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := conn.AutoMigrate(&RoomState{}, &KeyValue{}); err != nil {
		return nil, fmt.Errorf("ошибка миграции: %w", err)
	}

	log.Debug().Str("path", path).Msg("Локальное хранилище состояния открыто")
	return conn, nil
}

// CloseDB закрывает соединение с базой данных
func CloseDB(conn *gorm.DB) error {
	if conn == nil {
		return nil
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetContext возвращает контекст с таймаутом для запросов к базе данных
func GetContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
