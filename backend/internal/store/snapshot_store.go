package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

// SnapshotStore：外部 Document Store 的 MySQL 实现。
// 读写都走底层连接池（database/sql），表结构由 gorm 迁移。
type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// LoadSnapshot：取该文档最近一次 checkpoint；从未落盘过的文档返回空内容、版本 0
func (s *SnapshotStore) LoadSnapshot(ctx context.Context, docID string) (string, uint64, error) {
	var content string
	var rev uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT content, revision FROM document_snapshots
		WHERE document_id = ? ORDER BY revision DESC LIMIT 1`,
		docID,
	).Scan(&content, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	return content, rev, nil
}

func (s *SnapshotStore) SaveSnapshot(ctx context.Context, docID string, rev uint64, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (document_id, revision, content)
		VALUES (?, ?, ?)`,
		docID,
		rev,
		content,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			// 同一 (doc, revision) 已存在：重复 checkpoint，不算失败
			return nil
		}
		return err
	}
	return nil
}
