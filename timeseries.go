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
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	bbolt "go.etcd.io/bbolt"

	"github.com/jmpapi/jmpapi/httpd"
)

// tsKeyFormat is the bbolt key layout of one sample: the period-aligned
// UTC sample time. Lexicographic order equals time order.
const tsKeyFormat = "20060102150405"

const defaultWatchTimeout = 5 * time.Minute

//------------------------------------------------------------------------------
// engine

// tsEngine owns the time-series log and the set of live series. Each
// series is stored in its own bucket, keyed by the hex SHA-256 of the
// resolved SQL so that a changed query starts a fresh series.
type tsEngine struct {
	db      *bbolt.DB
	logger  zerolog.Logger
	options map[string]any

	mu     sync.Mutex
	series map[*TimeseriesDef]*tsSeries
}

func newTSEngine(path string, options map[string]any,
	logger zerolog.Logger) (*tsEngine, error) {

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open time-series db %q: %w", path, err)
	}
	return &tsEngine{
		db:      db,
		logger:  logger,
		options: options,
		series:  make(map[*TimeseriesDef]*tsSeries),
	}, nil
}

func (e *tsEngine) close() {
	e.mu.Lock()
	all := make([]*tsSeries, 0, len(e.series))
	for _, s := range e.series {
		all = append(all, s)
	}
	e.mu.Unlock()
	for _, s := range all {
		s.halt()
	}
	e.db.Close()
}

// ensure creates (or returns) the live series of one definition. An
// `auto` triggered series starts sampling immediately.
func (e *tsEngine) ensure(ld *loader, api *API, name string) (*tsSeries, error) {
	def, ok := api.Timeseries[name]
	if !ok {
		return nil, fmt.Errorf("unknown timeseries %q", name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.series[def]; ok {
		return s, nil
	}

	qd, err := resolveQueryDef(api, &QueryDef{
		SQL:        def.SQL,
		Query:      def.Query,
		Datasource: def.Datasource,
	})
	if err != nil {
		return nil, fmt.Errorf("timeseries %q: %w", name, err)
	}
	src, err := ld.source(qd.Datasource)
	if err != nil {
		return nil, fmt.Errorf("timeseries %q: %w", name, err)
	}

	// the series key is content-addressed from the resolved SQL
	sql := NewVarScope().Bind("options", e.options).Resolve(qd.SQL, true)
	sum := sha256.Sum256([]byte(sql))

	s := &tsSeries{
		engine:  e,
		name:    name,
		key:     []byte(hex.EncodeToString(sum[:])),
		sql:     sql,
		shape:   def.Return,
		src:     src,
		period:  time.Duration(def.Period * float64(time.Second)),
		trigger: def.Trigger,
		timeout: defaultWatchTimeout,
		subs:    make(map[chan tsEntry]struct{}),
	}
	if s.shape == "" {
		s.shape = "list"
	}
	if s.trigger == "" {
		s.trigger = "request"
	}
	if def.Timeout != nil && *def.Timeout > 0 {
		s.timeout = time.Duration(*def.Timeout * float64(time.Second))
	}
	s.loadLast()
	e.series[def] = s

	if s.trigger == "auto" {
		s.start()
	}
	return s, nil
}

//------------------------------------------------------------------------------
// series

// tsEntry is one sample of a series.
type tsEntry struct {
	Time  time.Time
	Value json.RawMessage
}

func (e tsEntry) MarshalJSON() ([]byte, error) {
	d := httpd.NewDict()
	d.Set("time", e.Time.UTC().Format(time.RFC3339))
	d.Set("value", e.Value)
	return json.Marshal(d)
}

type tsSeries struct {
	engine  *tsEngine
	name    string
	key     []byte
	sql     string
	shape   string
	src     QuerySource
	period  time.Duration
	trigger string
	timeout time.Duration

	mu        sync.Mutex
	subs      map[chan tsEntry]struct{}
	lastWatch time.Time
	lastValue []byte
	running   bool
	stop      chan struct{}
}

// start launches the sampling loop if not already running.
func (s *tsSeries) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	go s.run(s.stop)
}

func (s *tsSeries) halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stop)
}

// touch records interest in the series; a request-triggered series
// starts sampling on first interest.
func (s *tsSeries) touch() {
	s.mu.Lock()
	s.lastWatch = time.Now()
	s.mu.Unlock()
	s.start()
}

// idle reports whether a request-triggered series has outlived all
// interest and should stop sampling.
func (s *tsSeries) idle(now time.Time) bool {
	if s.trigger != "request" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) == 0 && s.timeout > 0 && now.Sub(s.lastWatch) > s.timeout
}

func (s *tsSeries) run(stop chan struct{}) {
	for {
		now := time.Now()
		next := now.UTC().Truncate(s.period).Add(s.period)
		t := time.NewTimer(next.Sub(now))
		select {
		case <-stop:
			t.Stop()
			return
		case now = <-t.C:
		}
		if s.idle(now) {
			s.halt()
			return
		}
		s.sample(now)
	}
}

// sample runs the query once and records the value if it changed since
// the previous sample.
func (s *tsSeries) sample(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), s.period)
	body, err := runShaped(ctx, s.src, s.sql, s.shape, nil)
	cancel()
	if err != nil {
		s.engine.logger.Warn().Err(err).Str("timeseries", s.name).
			Msg("sampling failed")
		return
	}

	s.mu.Lock()
	if bytes.Equal(body, s.lastValue) {
		s.mu.Unlock()
		return
	}
	s.lastValue = body
	subs := make([]chan tsEntry, 0, len(s.subs))
	for ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	aligned := now.UTC().Truncate(s.period)
	if err := s.store(aligned, body); err != nil {
		s.engine.logger.Error().Err(err).Str("timeseries", s.name).
			Msg("failed to store sample")
	}
	entry := tsEntry{Time: aligned, Value: body}
	for _, ch := range subs {
		select {
		case ch <- entry:
		default:
			// slow subscriber, drop the notification
		}
	}
}

func (s *tsSeries) store(t time.Time, val []byte) error {
	return s.engine.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.key)
		if err != nil {
			return err
		}
		return b.Put([]byte(t.UTC().Format(tsKeyFormat)), val)
	})
}

// loadLast primes the change suppression with the latest stored sample,
// so that a restart does not duplicate an unchanged value.
func (s *tsSeries) loadLast() {
	s.engine.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.key)
		if b == nil {
			return nil
		}
		if _, v := b.Cursor().Last(); v != nil {
			s.lastValue = append([]byte(nil), v...)
		}
		return nil
	})
}

// Get returns up to max samples not older than since, newest first.
// A zero since means no lower bound; max <= 0 means no count limit.
func (s *tsSeries) Get(since time.Time, max int) ([]tsEntry, error) {
	var out []tsEntry
	err := s.engine.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.key)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			t, err := time.Parse(tsKeyFormat, string(k))
			if err != nil {
				continue
			}
			if !since.IsZero() && t.Before(since) {
				break
			}
			out = append(out, tsEntry{Time: t, Value: append([]byte(nil), v...)})
			if max > 0 && len(out) >= max {
				break
			}
		}
		return nil
	})
	return out, err
}

// Subscribe registers a notification channel. The latest sample, if
// any, is buffered into the channel before registration takes effect,
// so a concurrent broadcast cannot precede or duplicate it.
func (s *tsSeries) Subscribe() chan tsEntry {
	ch := make(chan tsEntry, 16)
	s.mu.Lock()
	if s.lastValue != nil {
		if entries, err := s.Get(time.Time{}, 1); err == nil && len(entries) > 0 {
			ch <- entries[0]
		}
	}
	s.subs[ch] = struct{}{}
	s.lastWatch = time.Now()
	s.mu.Unlock()
	s.start()
	return ch
}

// Unsubscribe removes a channel registered by Subscribe.
func (s *tsSeries) Unsubscribe(ch chan tsEntry) {
	s.mu.Lock()
	delete(s.subs, ch)
	s.mu.Unlock()
}

//------------------------------------------------------------------------------
// handler

// timeseriesHandler serves the recorded samples of one series. The
// optional `since` and `count` args bound the result; samples are
// returned newest first.
type timeseriesHandler struct {
	series *tsSeries
	logger zerolog.Logger
}

func newTimeseriesHandler(ld *loader, api *API, name string) (*timeseriesHandler, error) {
	if ld.ts == nil {
		return nil, fmt.Errorf("timeseries %q: no timeseriesDB configured", name)
	}
	s, err := ld.ts.ensure(ld, api, name)
	if err != nil {
		return nil, err
	}
	return &timeseriesHandler{series: s, logger: ld.logger}, nil
}

func (h *timeseriesHandler) Handle(req *httpd.Request) (bool, error) {
	h.series.touch()

	var since time.Time
	if v := argOrQuery(req, "since"); v != nil {
		t, err := parseSince(v)
		if err != nil {
			return true, req.SendError(err)
		}
		since = t
	}
	max := 0
	if v := argOrQuery(req, "count"); v != nil {
		n, ok := toInt(v)
		if !ok || n < 0 {
			return true, req.SendError(httpd.Errorf(httpd.KindValidation,
				"'count' must be a non-negative integer"))
		}
		max = int(n)
	}

	entries, err := h.series.Get(since, max)
	if err != nil {
		h.logger.Error().Err(err).Str("timeseries", h.series.name).
			Msg("failed to read samples")
		return true, req.SendError(httpd.Errorf(httpd.KindInternal,
			"failed to read samples"))
	}
	if entries == nil {
		entries = []tsEntry{}
	}
	return true, req.ReplyJSON(httpd.StatusOK, entries)
}

func argOrQuery(req *httpd.Request, name string) any {
	if req.Args.Has(name) {
		return req.Args.Get(name)
	}
	if vals, ok := req.Query()[name]; ok && len(vals) > 0 {
		return vals[0]
	}
	return nil
}

// parseSince accepts a unix timestamp in seconds or an RFC 3339 string.
func parseSince(v any) (time.Time, error) {
	switch t := v.(type) {
	case float64:
		return time.Unix(int64(t), 0), nil
	case int64:
		return time.Unix(t, 0), nil
	case uint64:
		return time.Unix(int64(t), 0), nil
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, nil
		}
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.Unix(n, 0), nil
		}
	}
	return time.Time{}, httpd.Errorf(httpd.KindValidation,
		"'since' must be a unix timestamp or RFC 3339 time")
}
