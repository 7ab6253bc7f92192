package notification

import (
	"context"
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nao1215/shopnotify/pkg/migration"
)

//go:embed migrations/*.sql
var migrations embed.FS

// sqliteParams はSQLite接続に付与するプラグマ。
// WAL、ロック待ち、外部キー制約を有効にし、時刻をSQLite互換の書式で保存する。
const sqliteParams = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_time_format=sqlite"

// OpenDB はSQLiteデータベースを開き、マイグレーションを適用する。
// 書き込みの直列化のため接続は1本に制限する。
func OpenDB(ctx context.Context, path string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", fmt.Sprintf("file:%s?%s", path, sqliteParams))
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// initSchema はSQLiteデータベースにスキーマを適用する。
func initSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := migration.Run(ctx, db, migrations, "migrations"); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}
