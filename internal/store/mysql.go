package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/VividCortex/mysqlerr"
	"github.com/go-sql-driver/mysql"
)

// MySQLOptions MySQL 連線參數
type MySQLOptions struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`

	MaxOpenConns int `yaml:"max_open_conns"`
}

// DSN 由參數組出驅動的連線字串
func (o MySQLOptions) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = o.Username
	cfg.Passwd = o.Password
	cfg.Net = "tcp"
	cfg.Addr = o.Addr
	cfg.DBName = o.Database
	cfg.ParseTime = true
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

var mysqlDialect = dialect{
	name:            "mysql",
	insertSQL:       `INSERT INTO job_worker (` + columns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	selectForUpdate: `SELECT status FROM job_worker WHERE job_id = ? AND worker_id = ? FOR UPDATE`,
	inserted: func(_ sql.Result, err error) (bool, error) {
		if err == nil {
			return true, nil
		}
		if isDuplicateEntry(err) {
			return false, nil
		}
		return false, err
	},
}

func isDuplicateEntry(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlerr.ER_DUP_ENTRY
}

// OpenMySQL 連線 MySQL 並建立資料表
func OpenMySQL(opts MySQLOptions) (Store, error) {
	db, err := sql.Open("mysql", opts.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS job_worker (
		job_id VARCHAR(255) NOT NULL,
		worker_id VARCHAR(255) NOT NULL,
		type VARCHAR(64) NOT NULL,
		status VARCHAR(32) NOT NULL,
		args LONGTEXT NOT NULL,
		upstreams LONGTEXT NOT NULL,
		inputs_statement LONGTEXT NOT NULL,
		outputs LONGTEXT NOT NULL,
		create_time BIGINT NOT NULL,
		update_time BIGINT NOT NULL,
		PRIMARY KEY (job_id, worker_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("Job worker store opened", "driver", "mysql", "addr", opts.Addr, "database", opts.Database)
	return &sqlStore{db: db, dialect: mysqlDialect}, nil
}
