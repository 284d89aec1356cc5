// Package database 负责关系库与 Redis 连接的初始化。
package database

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"askdocs-go/internal/model"
	"askdocs-go/pkg/log"
)

// InitMySQL 初始化 MySQL 数据库连接并迁移表结构
func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)           // 设置空闲连接池中连接的最大数量
	sqlDB.SetMaxOpenConns(100)          // 设置打开数据库连接的最大数量
	sqlDB.SetConnMaxLifetime(time.Hour) // 设置了连接可复用的最大时间

	if err := Migrate(db); err != nil {
		return nil, err
	}
	log.Info("MySQL database connected successfully")
	return db, nil
}

// legacyDocumentIndex 是 document_id 全局唯一时的旧索引，会阻止不同组织复用同一 id。
const legacyDocumentIndex = "idx_documents_document_id"

// Migrate 创建或更新 documents 表。
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&model.Document{}); err != nil {
		return fmt.Errorf("auto migrate documents: %w", err)
	}
	m := db.Migrator()
	if m.HasIndex(&model.Document{}, legacyDocumentIndex) {
		if err := m.DropIndex(&model.Document{}, legacyDocumentIndex); err != nil {
			return fmt.Errorf("drop legacy index %s: %w", legacyDocumentIndex, err)
		}
	}
	return nil
}
