// Package dbtest opens isolated in-memory SQLite databases carrying the
// collections schema for package tests.
package dbtest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var seq atomic.Int64

// Open returns a fresh database with every table created. SQLite has no
// row locks, so FOR UPDATE clauses are stripped before execution.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:cobro_test_%d?mode=memory&cache=shared", seq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	stripLocks := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if !strings.Contains(sql, "FOR UPDATE") {
			return
		}
		sql = strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
		sql = strings.ReplaceAll(sql, "FOR UPDATE", "")
		d.Statement.SQL.Reset()
		d.Statement.SQL.WriteString(sql)
	}
	if err := db.Callback().Query().Before("gorm:query").Register("dbtest:strip_locks", stripLocks); err != nil {
		t.Fatalf("register query callback: %v", err)
	}
	if err := db.Callback().Row().Before("gorm:row").Register("dbtest:strip_locks_row", stripLocks); err != nil {
		t.Fatalf("register row callback: %v", err)
	}
	if err := db.Callback().Raw().Before("gorm:raw").Register("dbtest:strip_locks_raw", stripLocks); err != nil {
		t.Fatalf("register raw callback: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

var schema = []string{
	`CREATE TABLE customers (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		address TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		country TEXT NOT NULL DEFAULT '',
		bin TEXT NOT NULL DEFAULT '',
		brand TEXT NOT NULL DEFAULT '',
		last4 TEXT NOT NULL DEFAULT '',
		processor_token TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE collection_jobs (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		file_name TEXT NOT NULL DEFAULT '',
		storage_key TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		total_rows INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		errors TEXT NOT NULL DEFAULT '[]',
		uploaded_by TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME
	)`,
	`CREATE TABLE schedules (
		id INTEGER PRIMARY KEY,
		customer_id INTEGER NOT NULL,
		collection_job_id INTEGER,
		customer_name TEXT NOT NULL,
		email TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		country TEXT NOT NULL DEFAULT '',
		card_holder TEXT NOT NULL,
		card_sealed TEXT NOT NULL,
		card_bin TEXT NOT NULL DEFAULT '',
		card_last4 TEXT NOT NULL DEFAULT '',
		card_brand TEXT NOT NULL DEFAULT '',
		amount NUMERIC NOT NULL,
		currency TEXT NOT NULL,
		frequency TEXT NOT NULL,
		start_date DATETIME NOT NULL,
		time_of_day TEXT NOT NULL DEFAULT '00:00:00',
		reference TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		subscription_id TEXT,
		charge_status TEXT NOT NULL DEFAULT '',
		retry_attempts INTEGER NOT NULL DEFAULT 1,
		current_attempt INTEGER NOT NULL DEFAULT 0,
		retry_interval_minutes INTEGER NOT NULL DEFAULT 5,
		cycle_number INTEGER NOT NULL DEFAULT 1,
		last_attempt_at DATETIME,
		next_attempt_at DATETIME,
		processing_started_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE transactions (
		id INTEGER PRIMARY KEY,
		schedule_id INTEGER,
		customer_id INTEGER,
		collection_job_id INTEGER,
		customer_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		amount NUMERIC NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		iso_code TEXT NOT NULL DEFAULT '',
		iso_message TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT '',
		bin TEXT NOT NULL DEFAULT '',
		last4 TEXT NOT NULL DEFAULT '',
		card_mask TEXT NOT NULL DEFAULT '',
		card_brand TEXT NOT NULL DEFAULT '',
		bank_name TEXT NOT NULL DEFAULT 'Unknown',
		processor TEXT NOT NULL DEFAULT '',
		processor_token TEXT NOT NULL DEFAULT '',
		ticket_number TEXT NOT NULL DEFAULT '',
		approval_code TEXT NOT NULL DEFAULT '',
		merchant_id TEXT NOT NULL DEFAULT '',
		attempt_number INTEGER NOT NULL DEFAULT 0,
		cycle_number INTEGER NOT NULL DEFAULT 0,
		request_payload TEXT,
		response_payload TEXT,
		transaction_date DATETIME NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE iso_codes (
		code TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		details TEXT
	)`,
}
