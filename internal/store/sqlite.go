package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	insertSQL: `INSERT INTO job_worker (` + columns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, worker_id) DO NOTHING`,
	// SQLite 單一連線即序列化寫入，不需要 FOR UPDATE
	selectForUpdate: `SELECT status FROM job_worker WHERE job_id = ? AND worker_id = ?`,
	inserted: func(res sql.Result, err error) (bool, error) {
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		return n == 1, nil
	},
}

// OpenSQLite 開啟（或建立）SQLite 資料庫
func OpenSQLite(path string) (Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite 寫入序列化，只保留一條連線
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %s: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS job_worker (
		job_id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		args TEXT NOT NULL,
		upstreams TEXT NOT NULL,
		inputs_statement TEXT NOT NULL,
		outputs TEXT NOT NULL,
		create_time INTEGER NOT NULL,
		update_time INTEGER NOT NULL,
		PRIMARY KEY (job_id, worker_id)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("Job worker store opened", "driver", "sqlite", "path", path)
	return &sqlStore{db: db, dialect: sqliteDialect}, nil
}
