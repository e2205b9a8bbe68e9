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
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgconn"
	"github.com/rs/zerolog"

	"github.com/jmpapi/jmpapi/httpd"
)

//------------------------------------------------------------------------------
// query handler

// queryHandler runs a SQL template against a datasource and projects the
// result set into the response body per the configured return shape.
type queryHandler struct {
	sql        string
	shape      string
	fields     []string
	datasource string
	src        QuerySource
	timeout    time.Duration
	cache      time.Duration
	rti        *RuntimeInterface
	options    map[string]any
	logger     zerolog.Logger
}

// newQueryHandler resolves a leaf or prepared query definition into a
// runnable handler. A leaf referencing a prepared query inherits its
// fields and may override the shape, timeout and cache TTL.
func newQueryHandler(ld *loader, api *API, def *QueryDef) (*queryHandler, error) {
	def, err := resolveQueryDef(api, def)
	if err != nil {
		return nil, err
	}

	h := &queryHandler{
		sql:        def.SQL,
		shape:      def.Return,
		fields:     def.Fields,
		datasource: def.Datasource,
		rti:        ld.rti,
		options:    ld.cfg.Options,
		logger:     ld.logger,
	}
	if h.shape == "" {
		h.shape = "ok"
	}
	if def.Timeout != nil && *def.Timeout > 0 {
		h.timeout = time.Duration(*def.Timeout * float64(time.Second))
	}
	if def.Cache != nil && *def.Cache > 0 {
		h.cache = time.Duration(*def.Cache * float64(time.Second))
	}
	if h.src, err = ld.source(def.Datasource); err != nil {
		return nil, err
	}
	return h, nil
}

// resolveQueryDef flattens a prepared query reference into a standalone
// definition. Non-empty leaf fields win over the prepared entry's.
func resolveQueryDef(api *API, def *QueryDef) (*QueryDef, error) {
	if def.Query == "" {
		return def, nil
	}
	base, ok := api.Queries[def.Query]
	if !ok {
		return nil, fmt.Errorf("unknown prepared query %q", def.Query)
	}
	out := *base
	out.Query = ""
	if def.Return != "" {
		out.Return = def.Return
	}
	if len(def.Fields) > 0 {
		out.Fields = def.Fields
	}
	if def.Datasource != "" {
		out.Datasource = def.Datasource
	}
	if def.Timeout != nil {
		out.Timeout = def.Timeout
	}
	if def.Cache != nil {
		out.Cache = def.Cache
	}
	return &out, nil
}

// source resolves the QuerySource of a datasource, letting the runtime
// interface substitute one (tests do).
func (ld *loader) source(name string) (QuerySource, error) {
	if ld.rti != nil && ld.rti.QuerySource != nil {
		if src := ld.rti.QuerySource(name); src != nil {
			return src, nil
		}
	}
	if ld.ds == nil {
		return nil, fmt.Errorf("datasource %q is not available", name)
	}
	return ld.ds.source(name)
}

func (h *queryHandler) Handle(req *httpd.Request) (bool, error) {
	start := time.Now()
	sql := requestScope(req, h.options).Resolve(h.sql, true)

	useCache := h.cache > 0 && h.rti != nil &&
		h.rti.CacheGet != nil && h.rti.CacheSet != nil
	var cacheKey uint64
	if useCache {
		cacheKey = queryCacheKey(h.shape, sql)
		if val, ok := h.rti.CacheGet(cacheKey); ok && len(val) >= 8 {
			elapsed := uint64(time.Now().UnixNano()) - binary.BigEndian.Uint64(val[0:8])
			if elapsed <= uint64(h.cache) {
				req.OutHeader().Set("Content-Type", "application/json")
				return true, req.Reply(httpd.StatusOK, val[8:])
			}
			// stale, drop the entry and run the query
			h.rti.CacheSet(cacheKey, nil)
		}
	}

	ctx := req.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	body, err := runShaped(ctx, h.src, sql, h.shape, h.fields)
	if err != nil {
		h.logger.Warn().Err(err).Str("datasource", h.datasource).
			Str("path", req.Path).Msg("query failed")
		if h.rti != nil && h.rti.ReportMetric != nil {
			h.rti.ReportMetric("query_errors", []string{h.datasource}, 1)
		}
		return true, req.SendError(mapDBError(err))
	}
	if h.rti != nil && h.rti.ReportMetric != nil {
		h.rti.ReportMetric("query_seconds", []string{h.datasource},
			time.Since(start).Seconds())
	}

	if body == nil {
		return true, req.Reply(httpd.StatusOK)
	}
	if useCache {
		val := make([]byte, 8+len(body))
		binary.BigEndian.PutUint64(val, uint64(time.Now().UnixNano()))
		copy(val[8:], body)
		h.rti.CacheSet(cacheKey, val)
	}
	req.OutHeader().Set("Content-Type", "application/json")
	return true, req.Reply(httpd.StatusOK, body)
}

var (
	startOfValue = []byte{2}
	endOfValue   = []byte{3}
)

// queryCacheKey returns a non-cryptographic 64-bit hash over the return
// shape and the fully resolved SQL. Argument values are already
// substituted into the SQL, so they need no separate hashing.
func queryCacheKey(shape, sql string) uint64 {
	d := xxhash.New()
	d.Write(startOfValue)
	d.WriteString(shape)
	d.Write(endOfValue)
	d.Write(startOfValue)
	d.WriteString(sql)
	d.Write(endOfValue)
	return d.Sum64()
}

//------------------------------------------------------------------------------
// return shapes

// runShaped executes sql and renders the result per the shape. A nil
// body with nil error means an empty 200.
func runShaped(ctx context.Context, src QuerySource, sql, shape string,
	fields []string) ([]byte, error) {

	switch shape {
	case "", "ok":
		if err := src.Exec(ctx, sql); err != nil {
			return nil, err
		}
		return nil, nil

	case "one", "bool", "u64", "s64":
		v, found, err := queryScalar(ctx, src, sql)
		if err != nil {
			return nil, err
		}
		if !found {
			if shape == "one" {
				return nil, httpd.Errorf(httpd.KindKey, "not found")
			}
			v = nil
		}
		switch shape {
		case "bool":
			return json.Marshal(truthy(v))
		case "u64", "s64":
			n, ok := scalarInt(v)
			if !ok {
				return nil, httpd.Errorf(httpd.KindInternal,
					"query did not return an integer")
			}
			if shape == "u64" && n < 0 {
				return nil, httpd.Errorf(httpd.KindInternal,
					"query returned a negative value")
			}
			return json.Marshal(n)
		}
		return json.Marshal(v)

	case "dict":
		var body []byte
		err := src.Query(ctx, sql, func(rows Rows) error {
			d, found, err := firstRowDict(rows)
			if err != nil {
				return err
			}
			if !found {
				return httpd.Errorf(httpd.KindKey, "not found")
			}
			body, err = json.Marshal(d)
			return err
		})
		return body, err

	case "list":
		var body []byte
		err := src.Query(ctx, sql, func(rows Rows) error {
			list, err := rowsToList(rows)
			if err != nil {
				return err
			}
			body, err = json.Marshal(list)
			return err
		})
		return body, err

	case "hlist":
		var body []byte
		err := src.Query(ctx, sql, func(rows Rows) error {
			out, err := rowsToHList(rows)
			if err != nil {
				return err
			}
			body, err = json.Marshal(out)
			return err
		})
		return body, err

	case "fields":
		return runFields(ctx, src, sql, fields)
	}
	return nil, httpd.Errorf(httpd.KindInternal, "invalid return shape %q", shape)
}

// runFields splits the template into statements on top-level `;`, runs
// them in one transaction and labels each result set with the next entry
// of the fields list. A label starting with `*` inserts the result set
// as the first row's dict instead of a row list.
func runFields(ctx context.Context, src QuerySource, sql string,
	fields []string) ([]byte, error) {

	stmts := splitStatements(sql)
	if len(stmts) != len(fields) {
		return nil, httpd.Errorf(httpd.KindInternal,
			"%d statements for %d fields", len(stmts), len(fields))
	}

	out := httpd.NewDict()
	err := src.QueryMulti(ctx, stmts, func(i int, rows Rows) error {
		label := fields[i]
		if strings.HasPrefix(label, "*") {
			d, found, err := firstRowDict(rows)
			if err != nil {
				return err
			}
			if !found {
				d = httpd.NewDict()
			}
			out.Set(label[1:], d)
			return nil
		}
		list, err := rowsToList(rows)
		if err != nil {
			return err
		}
		out.Set(label, list)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// splitStatements splits a SQL template on `;` outside of single-quoted
// strings. Empty trailing statements are dropped.
func splitStatements(sql string) (stmts []string) {
	var b strings.Builder
	inStr := false
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case c == '\'':
			inStr = !inStr
			b.WriteByte(c)
		case c == ';' && !inStr:
			if s := strings.TrimSpace(b.String()); s != "" {
				stmts = append(stmts, s)
			}
			b.Reset()
		default:
			b.WriteByte(c)
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		stmts = append(stmts, s)
	}
	return
}

func queryScalar(ctx context.Context, src QuerySource, sql string) (v any,
	found bool, err error) {

	err = src.Query(ctx, sql, func(rows Rows) error {
		if !rows.Next() {
			return rows.Err()
		}
		vals, err := rows.Values()
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			return httpd.Errorf(httpd.KindInternal, "query returned no columns")
		}
		v, found = vals[0], true
		return nil
	})
	return
}

func firstRowDict(rows Rows) (*httpd.Dict, bool, error) {
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	vals, err := rows.Values()
	if err != nil {
		return nil, false, err
	}
	d := httpd.NewDict()
	for i, col := range rows.Columns() {
		if i < len(vals) {
			d.Set(col, vals[i])
		}
	}
	return d, true, nil
}

// rowsToList renders a result set as a list: one scalar per row for a
// single-column set, else one dict per row.
func rowsToList(rows Rows) ([]any, error) {
	cols := rows.Columns()
	out := []any{}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		if len(cols) == 1 {
			out = append(out, vals[0])
			continue
		}
		d := httpd.NewDict()
		for i, col := range cols {
			if i < len(vals) {
				d.Set(col, vals[i])
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// rowsToHList renders a result set header-first: the column name row,
// then one value row per result row. An empty set yields the header row
// alone.
func rowsToHList(rows Rows) ([]any, error) {
	cols := rows.Columns()
	header := make([]any, len(cols))
	for i, col := range cols {
		header[i] = col
	}
	out := []any{header}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case int64:
		return t != 0
	case int32:
		return t != 0
	case float64:
		return t != 0
	case string:
		return t == "t" || t == "true" || t == "1"
	}
	return true
}

func scalarInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int32:
		return int64(t), true
	case int16:
		return int64(t), true
	case float64:
		return float2int(t)
	case string:
		return toInt(t)
	}
	return 0, false
}

//------------------------------------------------------------------------------
// error mapping

// mapDBError converts a database error into the response taxonomy.
// Postgres signals drive the interesting statuses: no_data_found and
// no_data map to 404, unique_violation to 409, raise_exception to 400
// and permission errors to 401. Anything else is an internal error whose
// details are logged but not sent to the client.
func mapDBError(err error) error {
	var he *httpd.Error
	if errors.As(err, &he) {
		return he
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return httpd.Errorf(httpd.KindTimeout, "query timed out")
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "P0002", "02000": // no_data_found, no_data
			return httpd.Errorf(httpd.KindKey, "not found")
		case "23505": // unique_violation
			return httpd.Errorf(httpd.KindConflict, "already exists")
		case "P0001": // raise_exception
			return httpd.Errorf(httpd.KindValidation, "%s", pgErr.Message)
		case "42501", "28000": // insufficient_privilege, invalid_authorization
			return httpd.Errorf(httpd.KindAccessDenied, "access denied")
		}
	}
	return httpd.Errorf(httpd.KindInternal, "query failed")
}
