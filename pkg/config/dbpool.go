// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// sqlitePragmas is executed, in order, against the pool's single sqlite
// connection right after it is opened; that connection is not recycled by
// age, so the per-connection settings stay in force. Foreign-key
// enforcement defaults to off in sqlite3 and must be turned on
// per-connection; checkpoint/rollback ownership relies on it
// (deleting a user with owned checkpoints must not be silently allowed to
// leave a dangling reference, and on single-writer WAL mode concurrent
// agent sessions would otherwise corrupt each other's writes).
var sqlitePragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 10000",
}

// DBPool hands out one *sql.DB per distinct DSN, so that repeated calls
// to Get for the same backing store share a single connection pool
// instead of opening a new one each time.
type DBPool struct {
	mu    sync.Mutex
	byDSN map[string]*sql.DB
}

// NewDBPool returns an empty pool manager.
func NewDBPool() *DBPool {
	return &DBPool{byDSN: make(map[string]*sql.DB)}
}

// Get returns the shared *sql.DB for cfg, opening and pinging it on first use.
func (p *DBPool) Get(cfg *DatabaseConfig) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	dsn := cfg.DSN()
	if db, ok := p.byDSN[dsn]; ok {
		return db, nil
	}

	db, err := p.open(cfg)
	if err != nil {
		return nil, err
	}
	p.byDSN[dsn] = db
	return db, nil
}

func (p *DBPool) open(cfg *DatabaseConfig) (*sql.DB, error) {
	driver := cfg.DriverName()
	db, err := sql.Open(driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("config: open %s database: %w", driver, err)
	}

	if driver == "sqlite3" {
		// sqlite3 only ever has one writer; serializing on a single
		// connection avoids "database is locked" under concurrent agents.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if cfg.MaxConns > 0 {
			db.SetMaxOpenConns(cfg.MaxConns)
		}
		if cfg.MaxIdle > 0 {
			db.SetMaxIdleConns(cfg.MaxIdle)
		}
		db.SetConnMaxLifetime(time.Hour)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("config: connect to %s database: %w", driver, err)
	}

	if driver == "sqlite3" {
		for _, pragma := range sqlitePragmas {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("config: apply %q: %w", pragma, err)
			}
		}
		slog.Debug("sqlite connection configured", "pragmas", sqlitePragmas)
	}

	return db, nil
}

// Close closes every pool this DBPool has opened.
func (p *DBPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for dsn, db := range p.byDSN {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", dsn, err))
		}
	}
	p.byDSN = make(map[string]*sql.DB)

	if len(errs) > 0 {
		return fmt.Errorf("config: errors closing pools: %v", errs)
	}
	return nil
}
