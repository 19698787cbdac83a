// Copyright 2026 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlcs is a config store backed by a SQL table with one row per
// group. MySQL and PostgreSQL are supported; the table is polled for
// changes.
package sqlcs

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"time"

	// Database drivers selectable with --sql_driver.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/google/iothrottle/throttle"
	"github.com/google/iothrottle/throttle/configstore"
	"github.com/google/iothrottle/util/clock"
	"k8s.io/klog/v2"
)

// StoreName identifies the SQL config store.
const StoreName = "sql"

var (
	driver = flag.String("sql_driver", "mysql", "database/sql driver of the config database: mysql or pgx. Applicable for config_store=sql.")
	uri    = flag.String("sql_uri", "", "Connection URI of the config database.")
	create = flag.Bool("sql_create_table", false, "Create the group config table if it does not exist.")
)

func init() {
	if err := configstore.RegisterProvider(StoreName, newFromFlags); err != nil {
		klog.Fatalf("Failed to register config store %v: %v", StoreName, err)
	}
}

func newFromFlags() (configstore.Store, error) {
	if *uri == "" {
		return nil, fmt.Errorf("can't create sql config store - sql_uri flag is unset")
	}
	d, err := DialectFor(*driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(*driver, *uri)
	if err != nil {
		return nil, err
	}
	s := New(db, d, *configstore.PollInterval)
	if *create {
		if err := s.CreateTable(context.Background()); err != nil {
			db.Close()
			return nil, err
		}
	}
	klog.Infof("Using SQL config store (%v)", *driver)
	return s, nil
}

// Dialect holds the statements that differ between databases.
type Dialect struct {
	createTable string
	selectAll   string
	upsert      string
	delete      string
}

var (
	// MySQL is the dialect of MySQL and MariaDB.
	MySQL = Dialect{
		createTable: "CREATE TABLE IF NOT EXISTS ThrottleGroups(Name VARCHAR(255) NOT NULL PRIMARY KEY, Config TEXT NOT NULL)",
		selectAll:   "SELECT Name, Config FROM ThrottleGroups ORDER BY Name",
		upsert:      "INSERT INTO ThrottleGroups(Name, Config) VALUES(?, ?) ON DUPLICATE KEY UPDATE Config = VALUES(Config)",
		delete:      "DELETE FROM ThrottleGroups WHERE Name = ?",
	}
	// PostgreSQL is the dialect of PostgreSQL.
	PostgreSQL = Dialect{
		createTable: "CREATE TABLE IF NOT EXISTS ThrottleGroups(Name VARCHAR(255) NOT NULL PRIMARY KEY, Config TEXT NOT NULL)",
		selectAll:   "SELECT Name, Config FROM ThrottleGroups ORDER BY Name",
		upsert:      "INSERT INTO ThrottleGroups(Name, Config) VALUES($1, $2) ON CONFLICT (Name) DO UPDATE SET Config = EXCLUDED.Config",
		delete:      "DELETE FROM ThrottleGroups WHERE Name = $1",
	}
)

// DialectFor returns the dialect spoken through a database/sql driver.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "mysql":
		return MySQL, nil
	case "pgx", "postgres":
		return PostgreSQL, nil
	}
	return Dialect{}, fmt.Errorf("unsupported sql driver %q", driver)
}

// Store reads group configs from the ThrottleGroups table.
type Store struct {
	db       *sql.DB
	dialect  Dialect
	interval time.Duration
	ts       clock.TimeSource
}

// New returns a Store reading db and re-reading it every interval.
func New(db *sql.DB, dialect Dialect, interval time.Duration) *Store {
	return &Store{db: db, dialect: dialect, interval: interval, ts: clock.System}
}

// CreateTable creates the config table if it does not exist.
func (s *Store) CreateTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.dialect.createTable)
	return err
}

// Load reads every row of the table.
func (s *Store) Load(ctx context.Context) ([]throttle.GroupConfig, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.selectAll)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cfgs []throttle.GroupConfig
	for rows.Next() {
		var name, config string
		if err := rows.Scan(&name, &config); err != nil {
			return nil, err
		}
		cfg, err := configstore.ParseGroup(name, []byte(config))
		if err != nil {
			return nil, fmt.Errorf("row %q: %w", name, err)
		}
		cfgs = append(cfgs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := throttle.ValidateConfigs(cfgs); err != nil {
		return nil, err
	}
	return cfgs, nil
}

// Watch polls the table.
func (s *Store) Watch(ctx context.Context, fn func([]throttle.GroupConfig)) error {
	return configstore.PollWatch(ctx, s.ts, s.interval, s.Load, fn)
}

// Put inserts or replaces the config of one group.
func (s *Store) Put(ctx context.Context, cfg throttle.GroupConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := configstore.MarshalGroup(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.upsert, cfg.Name, string(data))
	return err
}

// Delete removes the config of one group.
func (s *Store) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.delete, name)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
