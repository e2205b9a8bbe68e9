/*
 * Copyright 2023 The jmpapi authors
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

package jmpapi

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"
)

//------------------------------------------------------------------------------
// query source abstraction

// Rows is a streaming result set.
type Rows interface {
	// Columns returns the column names of the result set.
	Columns() []string
	// Next advances to the next row.
	Next() bool
	// Values returns the values of the current row.
	Values() ([]any, error)
	// Err returns the error, if any, that ended iteration.
	Err() error
	// Close releases the result set.
	Close()
}

// QuerySource runs fully resolved SQL statements against a backing
// database. Query handlers depend only on this contract; tests substitute
// a fake.
type QuerySource interface {
	// Query runs one statement and streams its result set to fn.
	Query(ctx context.Context, sql string, fn func(Rows) error) error

	// Exec runs one statement, discarding any result rows.
	Exec(ctx context.Context, sql string) error

	// QueryMulti runs the statements inside a single transaction,
	// streaming each result set to fn in order.
	QueryMulti(ctx context.Context, sqls []string, fn func(i int, rows Rows) error) error
}

//------------------------------------------------------------------------------
// datasources

type datasources struct {
	logger   zerolog.Logger
	pools    sync.Map
	timeouts sync.Map
	bgctx    context.Context
}

func (d *datasources) start(bgctx context.Context, sources []Datasource) error {
	// store bgctx for use as parent of background contexts we create
	d.bgctx = bgctx

	// connect to each source
	for i := range sources {
		s := &sources[i]
		pool, err := dsconnect(bgctx, s)
		if err != nil {
			d.logger.Error().Str("datasource", s.Name).Err(err).
				Msg("failed to connect to datasource")
			d.stop()
			return err
		}
		d.logger.Info().Str("datasource", s.Name).
			Msg("successfully connected to datasource")
		d.pools.Store(s.Name, pool)
		if s.Timeout != nil && *s.Timeout > 0 {
			d.timeouts.Store(s.Name, time.Duration(*s.Timeout*float64(time.Second)))
		}
	}
	return nil
}

func dsconnect(ctx context.Context, s *Datasource) (pool *pgxpool.Pool, err error) {
	// create config
	cfg, err := ds2cfg(s)
	if err != nil {
		return
	}

	// create context
	if s.Timeout != nil && *s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*s.Timeout*float64(time.Second)))
		defer cancel()
	}

	// connect
	pool, err = pgxpool.ConnectConfig(ctx, cfg)
	return
}

func ds2cfg(s *Datasource) (*pgxpool.Config, error) {
	// regular params
	cfg, err := pgxpool.ParseConfig(ds2url(s))
	if err != nil {
		return nil, err
	}

	// simple protocol
	if s.PreferSimpleProtocol {
		cfg.ConnConfig.PreferSimpleProtocol = true
	}

	// pool params
	if p := s.Pool; p != nil {
		if p.MinConns != nil && *p.MinConns > 0 && *p.MinConns <= math.MaxInt32 {
			cfg.MinConns = int32(*p.MinConns)
		}
		if p.MaxConns != nil && *p.MaxConns > 0 && *p.MaxConns <= math.MaxInt32 {
			cfg.MaxConns = int32(*p.MaxConns)
		}
		if p.MaxIdleTime != nil && *p.MaxIdleTime > 0 {
			cfg.MaxConnIdleTime = time.Duration(*p.MaxIdleTime * float64(time.Second))
		}
		if p.MaxConnectedTime != nil && *p.MaxConnectedTime > 0 {
			cfg.MaxConnLifetime = time.Duration(*p.MaxConnectedTime * float64(time.Second))
		}
		if p.Lazy {
			cfg.LazyConnect = true
		}
	}

	// role
	if len(s.Role) > 0 {
		// note: "SET ROLE" does not take a bind parameter, but s.Role is
		// validated not to contain any special characters.
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			if _, err := conn.Exec(ctx, "SET ROLE "+s.Role); err != nil {
				return fmt.Errorf("failed to set role %q: %w", s.Role, err)
			}
			return nil
		}
	}

	return cfg, nil
}

func ds2url(s *Datasource) string {
	params := make(url.Values)
	set := func(s, kw string) {
		if len(s) > 0 {
			params.Set(kw, s)
		}
	}
	set(s.Host, "host")         // pass as query param, not userinfo
	set(s.User, "user")         // pass as query param, not userinfo
	set(s.Password, "password") // pass as query param, not userinfo
	set(s.Database, "dbname")   // pass as query param, not userinfo
	set(s.Passfile, "passfile")
	set(s.SSLMode, "sslmode")
	set(s.SSLCert, "sslcert")
	set(s.SSLKey, "sslkey")
	set(s.SSLRootCert, "sslrootcert")
	for k, v := range s.Params {
		params.Set(k, v)
	}

	// set connection timeout from s.Timeout
	if s.Timeout != nil && *s.Timeout > 0 {
		params.Set("connect_timeout", strconv.Itoa(int(math.Round(*s.Timeout))))
	}

	return "postgres://?" + params.Encode()
}

func (d *datasources) get(name string) (*pgxpool.Pool, error) {
	v, ok := d.pools.Load(name)
	if !ok || v == nil {
		return nil, fmt.Errorf("datasource %q not found", name) // should not happen
	}
	pool, _ := v.(*pgxpool.Pool)
	return pool, nil
}

// source returns the QuerySource for a named datasource.
func (d *datasources) source(name string) (QuerySource, error) {
	pool, err := d.get(name)
	if err != nil {
		return nil, err
	}
	src := &pgxSource{pool: pool}
	if t, ok := d.timeouts.Load(name); ok {
		src.timeout = t.(time.Duration)
	}
	return src, nil
}

func (d *datasources) stop() {
	d.pools.Range(func(k, v any) bool {
		name, _ := k.(string)
		pool, _ := v.(*pgxpool.Pool)
		pool.Close()
		d.logger.Info().Str("datasource", name).Msg("datasource connection pool closed")
		return true
	})
}

//------------------------------------------------------------------------------
// pgx-backed query source

type pgxSource struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func (s *pgxSource) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

func (s *pgxSource) Query(ctx context.Context, sql string, fn func(Rows) error) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.pool.AcquireFunc(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, sql)
		if err != nil {
			return err
		}
		wrapped := &pgxRows{rows: rows}
		defer wrapped.Close()
		return fn(wrapped)
	})
}

func (s *pgxSource) Exec(ctx context.Context, sql string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.pool.AcquireFunc(ctx, func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, sql)
		return err
	})
}

func (s *pgxSource) QueryMulti(ctx context.Context, sqls []string,
	fn func(i int, rows Rows) error) error {

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		for i, sql := range sqls {
			rows, err := tx.Query(ctx, sql)
			if err != nil {
				return err
			}
			wrapped := &pgxRows{rows: rows}
			err = fn(i, wrapped)
			wrapped.Close()
			if err != nil {
				return err
			}
		}
		return nil
	})
}

type pgxRows struct {
	rows pgx.Rows
	cols []string
}

func (r *pgxRows) Columns() []string {
	if r.cols == nil {
		fds := r.rows.FieldDescriptions()
		r.cols = make([]string, len(fds))
		for i := range fds {
			r.cols[i] = string(fds[i].Name)
		}
	}
	return r.cols
}

func (r *pgxRows) Next() bool             { return r.rows.Next() }
func (r *pgxRows) Values() ([]any, error) { return r.rows.Values() }
func (r *pgxRows) Err() error             { return r.rows.Err() }
func (r *pgxRows) Close()                 { r.rows.Close() }
