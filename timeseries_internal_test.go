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
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *tsEngine {
	t.Helper()
	e, err := newTSEngine(filepath.Join(t.TempDir(), "ts.db"), nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(e.close)
	return e
}

// newTestSeries builds a series over a fake source with a period long
// enough that the sampling loop never fires during the test.
func newTestSeries(e *tsEngine, src *fakeSource) *tsSeries {
	return &tsSeries{
		engine:  e,
		name:    "load",
		key:     []byte("series-under-test"),
		sql:     "select v",
		shape:   "one",
		src:     src,
		period:  time.Hour,
		trigger: "request",
		timeout: defaultWatchTimeout,
		subs:    make(map[chan tsEntry]struct{}),
	}
}

func TestSeriesChangeSuppression(t *testing.T) {
	r := require.New(t)
	e := newTestEngine(t)
	src := newFakeSource()
	s := newTestSeries(e, src)

	t0 := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	src.set("select v", []string{"v"}, []any{int64(1)})
	s.sample(t0)
	// same value an hour later records nothing
	s.sample(t0.Add(time.Hour))

	entries, err := s.Get(time.Time{}, 0)
	r.NoError(err)
	r.Len(entries, 1)
	r.Equal(t0, entries[0].Time)
	r.Equal("1", string(entries[0].Value))

	// a changed value records a new sample
	src.set("select v", []string{"v"}, []any{int64(2)})
	s.sample(t0.Add(2 * time.Hour))

	entries, err = s.Get(time.Time{}, 0)
	r.NoError(err)
	r.Len(entries, 2)
	// newest first
	r.Equal(t0.Add(2*time.Hour), entries[0].Time)
	r.Equal("2", string(entries[0].Value))
	r.Equal(t0, entries[1].Time)
}

func TestSeriesGetBounds(t *testing.T) {
	r := require.New(t)
	e := newTestEngine(t)
	src := newFakeSource()
	s := newTestSeries(e, src)

	t0 := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		src.set("select v", []string{"v"}, []any{int64(i)})
		s.sample(t0.Add(time.Duration(i) * time.Hour))
	}

	// count limit
	entries, err := s.Get(time.Time{}, 2)
	r.NoError(err)
	r.Len(entries, 2)
	r.Equal(t0.Add(3*time.Hour), entries[0].Time)
	r.Equal(t0.Add(2*time.Hour), entries[1].Time)

	// since bound is inclusive
	entries, err = s.Get(t0.Add(2*time.Hour), 0)
	r.NoError(err)
	r.Len(entries, 2)
}

func TestSeriesLoadLast(t *testing.T) {
	r := require.New(t)
	e := newTestEngine(t)
	src := newFakeSource()
	s := newTestSeries(e, src)

	t0 := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	src.set("select v", []string{"v"}, []any{int64(9)})
	s.sample(t0)

	// a fresh series over the same key primes change suppression from
	// the stored log, as across a restart
	s2 := newTestSeries(e, src)
	s2.loadLast()
	s2.sample(t0.Add(time.Hour))

	entries, err := s2.Get(time.Time{}, 0)
	r.NoError(err)
	r.Len(entries, 1)
}

func TestSeriesSubscribe(t *testing.T) {
	r := require.New(t)
	e := newTestEngine(t)
	src := newFakeSource()
	s := newTestSeries(e, src)
	t.Cleanup(s.halt)

	t0 := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	src.set("select v", []string{"v"}, []any{int64(5)})
	s.sample(t0)

	// the latest stored sample is delivered on subscription
	ch := s.Subscribe()
	select {
	case entry := <-ch:
		r.Equal(t0, entry.Time)
		r.Equal("5", string(entry.Value))
	default:
		t.Fatal("no buffered sample on subscribe")
	}

	// a new sample is pushed to subscribers
	src.set("select v", []string{"v"}, []any{int64(6)})
	s.sample(t0.Add(time.Hour))
	select {
	case entry := <-ch:
		r.Equal("6", string(entry.Value))
	default:
		t.Fatal("no notification for a new sample")
	}

	s.Unsubscribe(ch)
	src.set("select v", []string{"v"}, []any{int64(7)})
	s.sample(t0.Add(2 * time.Hour))
	select {
	case <-ch:
		t.Fatal("notification after unsubscribe")
	default:
	}
}

func TestSeriesSubscribeConcurrentSample(t *testing.T) {
	r := require.New(t)
	e := newTestEngine(t)
	src := newFakeSource()
	s := newTestSeries(e, src)
	t.Cleanup(s.halt)

	t0 := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	src.set("select v", []string{"v"}, []any{int64(0)})
	s.sample(t0)

	// record new values while subscribers come and go; every subscriber
	// must find its snapshot buffered and see only strictly newer samples
	// after it, never a duplicate or an out-of-order broadcast
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 40; i++ {
			src.set("select v", []string{"v"}, []any{int64(i)})
			s.sample(t0.Add(time.Duration(i) * time.Hour))
		}
	}()

	for i := 0; i < 20; i++ {
		ch := s.Subscribe()
		entry := <-ch
		prev := entry.Time
		for drained := false; !drained; {
			select {
			case next := <-ch:
				r.True(next.Time.After(prev),
					"sample %v delivered after %v", next.Time, prev)
				prev = next.Time
			default:
				drained = true
			}
		}
		s.Unsubscribe(ch)
	}
	<-done
}

func TestSeriesIdle(t *testing.T) {
	r := require.New(t)
	e := newTestEngine(t)
	s := newTestSeries(e, newFakeSource())
	s.timeout = time.Minute

	s.lastWatch = time.Now()
	r.False(s.idle(time.Now()))
	r.True(s.idle(time.Now().Add(2 * time.Minute)))

	// subscribers keep the series alive
	ch := s.Subscribe()
	t.Cleanup(s.halt)
	r.False(s.idle(time.Now().Add(2 * time.Minute)))
	s.Unsubscribe(ch)

	// auto series never idle out
	s.trigger = "auto"
	r.False(s.idle(time.Now().Add(2 * time.Minute)))
}

func TestTSEntryMarshal(t *testing.T) {
	r := require.New(t)
	entry := tsEntry{
		Time:  time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC),
		Value: json.RawMessage(`[1,2]`),
	}
	data, err := json.Marshal(entry)
	r.NoError(err)
	r.Equal(`{"time":"2026-08-26T10:00:00Z","value":[1,2]}`, string(data))
}

func TestParseSince(t *testing.T) {
	r := require.New(t)

	ts, err := parseSince(float64(1756202400))
	r.NoError(err)
	r.Equal(int64(1756202400), ts.Unix())

	ts, err = parseSince("1756202400")
	r.NoError(err)
	r.Equal(int64(1756202400), ts.Unix())

	ts, err = parseSince("2026-08-26T10:00:00Z")
	r.NoError(err)
	r.Equal(time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC), ts.UTC())

	_, err = parseSince("not a time")
	r.Error(err)
	_, err = parseSince([]any{})
	r.Error(err)
}
