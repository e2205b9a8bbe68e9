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

package httpd

import (
	"bytes"
	"encoding/json"
)

// Dict is an insertion-ordered string-keyed map. Request arguments are a
// Dict so that values captured from a URL pattern serialize in the order
// they appeared, and so that the first capture of a name wins.
type Dict struct {
	keys   []string
	values map[string]any
}

// NewDict returns an empty Dict.
func NewDict() *Dict {
	return &Dict{values: make(map[string]any)}
}

// Get returns the value for key, or nil.
func (d *Dict) Get(key string) any { return d.values[key] }

// GetString returns the value for key as a string, or "".
func (d *Dict) GetString(key string) string {
	if s, ok := d.values[key].(string); ok {
		return s
	}
	return ""
}

// Has reports whether key is present.
func (d *Dict) Has(key string) bool {
	_, ok := d.values[key]
	return ok
}

// Set stores value under key, keeping insertion order for new keys.
func (d *Dict) Set(key string, value any) {
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = value
}

// SetDefault stores value under key only if key is absent. Reports
// whether the value was stored.
func (d *Dict) SetDefault(key string, value any) bool {
	if _, ok := d.values[key]; ok {
		return false
	}
	d.Set(key, value)
	return true
}

// Len returns the number of keys.
func (d *Dict) Len() int { return len(d.keys) }

// Keys returns the keys in insertion order.
func (d *Dict) Keys() []string { return d.keys }

// Each calls f for every key/value pair in insertion order.
func (d *Dict) Each(f func(key string, value any)) {
	for _, k := range d.keys {
		f(k, d.values[k])
	}
}

// Map returns a plain map copy of the dict.
func (d *Dict) Map() map[string]any {
	out := make(map[string]any, len(d.keys))
	for k, v := range d.values {
		out[k] = v
	}
	return out
}

// MarshalJSON serializes the dict as a JSON object in insertion order.
func (d *Dict) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range d.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(d.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object preserving key order. Nested objects
// decode as *Dict, so order is preserved at every depth.
func (d *Dict) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	v, err := decodeOrdered(dec)
	if err != nil {
		return err
	}
	obj, ok := v.(*Dict)
	if !ok {
		return Errorf(KindParse, "expected JSON object")
	}
	*d = *obj
	return nil
}

// decodeOrdered decodes one JSON value off dec: objects as *Dict, arrays
// as []any, scalars as string/float64/bool/nil.
func decodeOrdered(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	switch delim {
	case '{':
		obj := NewDict()
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, _ := keyTok.(string)
			v, err := decodeOrdered(dec)
			if err != nil {
				return nil, err
			}
			obj.Set(key, v)
		}
		if _, err := dec.Token(); err != nil { // closing brace
			return nil, err
		}
		return obj, nil
	case '[':
		arr := []any{}
		for dec.More() {
			v, err := decodeOrdered(dec)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		if _, err := dec.Token(); err != nil { // closing bracket
			return nil, err
		}
		return arr, nil
	}
	return nil, Errorf(KindParse, "unexpected %v", delim)
}
