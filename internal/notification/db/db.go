// Package db は通知ストアへの型付きクエリを提供する。
package db

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// DBTX は*sqlx.DBと*sqlx.Txの両方が満たすクエリ実行インターフェース。
type DBTX interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// New はDBTXに束縛されたQueriesを生成する。
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// Queries は通知ストアのクエリ群。
type Queries struct {
	db DBTX
}

// WithTx は同じクエリ群をトランザクションに束縛して返す。
func (q *Queries) WithTx(tx *sqlx.Tx) *Queries {
	return &Queries{db: tx}
}

// rowsAffected はExecの結果から更新件数を取り出す。
func rowsAffected(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
