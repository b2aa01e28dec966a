/*
 * Copyright 2017-2022 Provide Technologies Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"fmt"
	"net/url"
	"os"

	"github.com/golang-migrate/migrate"
	_ "github.com/golang-migrate/migrate/database/postgres"
	_ "github.com/golang-migrate/migrate/source/file"
	dbconf "github.com/kthomas/go-db-config"
	"github.com/provideplatform/taskledger/common"
)

const defaultMigrationsSource = "file://./ops/migrations"

func migrationsSource() string {
	if os.Getenv("DATABASE_MIGRATIONS_SOURCE") != "" {
		return os.Getenv("DATABASE_MIGRATIONS_SOURCE")
	}
	return defaultMigrationsSource
}

func databaseDSN(cfg *dbconf.DBConfig) string {
	return fmt.Sprintf(
		"postgres://%s/%s?user=%s&password=%s&sslmode=%s",
		cfg.DatabaseHost,
		cfg.DatabaseName,
		cfg.DatabaseUser,
		url.QueryEscape(cfg.DatabasePassword),
		cfg.DatabaseSSLMode,
	)
}

func migrateUp(source, dsn string) error {
	m, err := migrate.New(source, dsn)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations; %s", err.Error())
	}
	defer m.Close()

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrations failed; %s", err.Error())
	}

	version, dirty, err := m.Version()
	if err == nil {
		common.Log.Debugf("database migrated to version %d; dirty: %v", version, dirty)
	}

	return nil
}

func main() {
	cfg := dbconf.GetDBConfig()
	if err := migrateUp(migrationsSource(), databaseDSN(cfg)); err != nil {
		common.Log.Warning(err.Error())
		panic(err)
	}
}
