package store

import (
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// DocumentSnapshot：checkpoint 落盘的快照行。
// (document_id, revision) 唯一，重复落盘靠唯一键吸收。
type DocumentSnapshot struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	DocumentID string `gorm:"size:64;uniqueIndex:idx_doc_rev"`
	Revision   uint64 `gorm:"uniqueIndex:idx_doc_rev"`
	Content    string `gorm:"type:longtext"`
}

var mysqlDB *gorm.DB

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&DocumentSnapshot{}); err != nil {
		return nil, err
	}
	mysqlDB = db
	return db, nil
}
