/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package hdr is a trimmed-down header container, adapted from the
// teacher's hdr package: canonical keys, case-insensitive lookup, wire
// writing, plus the forbidden-key validation the dispatcher's Request
// construction needs (spec.md §3 "Request invariants").
package hdr

import (
	"io"
	"sort"
	"strings"
)

// Header is a case-insensitive key/value-list collection, canonical form
// "Content-Type" rather than "content-type" or "CONTENT-TYPE".
type Header map[string][]string

const toLower = 'a' - 'A'

// forbidden holds the header names Request construction rejects outright:
// they are either computed by the writer (spec.md §4.3) or require a
// protocol handshake this library doesn't negotiate (Expect).
var forbidden = map[string]bool{
	"Transfer-Encoding": true,
	"Connection":        true,
	"Keep-Alive":        true,
	"Upgrade":           true,
	"Expect":            true,
}

// IsForbidden reports whether key (in any case) may not be set directly on
// a dispatched Request.
func IsForbidden(key string) bool {
	return forbidden[CanonicalKey(key)]
}

// CanonicalKey returns the canonical format of a header key: the first
// letter and any letter following a hyphen are upper case, the rest lower
// case. Mirrors net/textproto.CanonicalMIMEHeaderKey, hand-rolled in the
// teacher's idiom (hdr/utils_header.go canonicalMIMEHeaderKey) rather than
// imported, since this package owns the wire-writing side too.
func CanonicalKey(s string) string {
	if s == "" {
		return s
	}
	buf := []byte(s)
	upper := true
	for i, c := range buf {
		if upper && 'a' <= c && c <= 'z' {
			buf[i] = c - toLower
		} else if !upper && 'A' <= c && c <= 'Z' {
			buf[i] = c + toLower
		}
		upper = c == '-'
	}
	return string(buf)
}

// Add appends value to key's existing values.
func (h Header) Add(key, value string) {
	key = CanonicalKey(key)
	h[key] = append(h[key], value)
}

// Set replaces key's values with the single value given.
func (h Header) Set(key, value string) {
	h[CanonicalKey(key)] = []string{value}
}

// Get returns the first value associated with key, or "".
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	v := h[CanonicalKey(key)]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// Del removes all values associated with key.
func (h Header) Del(key string) {
	delete(h, CanonicalKey(key))
}

// Clone returns a deep copy of h.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	h2 := make(Header, len(h))
	for k, vv := range h {
		vv2 := make([]string, len(vv))
		copy(vv2, vv)
		h2[k] = vv2
	}
	return h2
}

type keyValues struct {
	key    string
	values []string
}

// WriteSubset writes h in wire format ("Key: value\r\n" per entry, sorted
// by key for deterministic output), skipping any key in exclude.
func (h Header) WriteSubset(w io.Writer, exclude map[string]bool) error {
	kvs := make([]keyValues, 0, len(h))
	for k, vv := range h {
		if exclude != nil && exclude[k] {
			continue
		}
		kvs = append(kvs, keyValues{k, vv})
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].key < kvs[j].key })
	for _, kv := range kvs {
		for _, v := range kv.values {
			v = strings.ReplaceAll(v, "\n", " ")
			v = strings.ReplaceAll(v, "\r", " ")
			v = strings.TrimSpace(v)
			if _, err := io.WriteString(w, kv.key); err != nil {
				return err
			}
			if _, err := io.WriteString(w, ": "); err != nil {
				return err
			}
			if _, err := io.WriteString(w, v); err != nil {
				return err
			}
			if _, err := io.WriteString(w, "\r\n"); err != nil {
				return err
			}
		}
	}
	return nil
}

// Write writes h in wire format with no exclusions.
func (h Header) Write(w io.Writer) error {
	return h.WriteSubset(w, nil)
}
