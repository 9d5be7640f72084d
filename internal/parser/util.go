/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package parser

// Small byte-slice helpers kept parser-local and allocation-free on the
// hot path, in the style of the teacher's utils_chunks.go (parseHexUint,
// trimTrailingWhitespace) rather than pulling in strings/bytes conversions
// for every line.

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func trimSpace(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t') {
		i++
	}
	j := len(b)
	for j > i && (b[j-1] == ' ' || b[j-1] == '\t') {
		j--
	}
	return b[i:j]
}

func lower(s string) string {
	buf := []byte(s)
	for i, c := range buf {
		if 'A' <= c && c <= 'Z' {
			buf[i] = c + ('a' - 'A')
		}
	}
	return string(buf)
}

func containsFold(b []byte, needle string) bool {
	s := lower(string(b))
	n := len(needle)
	if n == 0 {
		return true
	}
	for i := 0; i+n <= len(s); i++ {
		if s[i:i+n] == needle {
			return true
		}
	}
	return false
}

func atoi(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, &Error{Reason: "empty integer"}
	}
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, &Error{Reason: "invalid digit"}
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

func parseHex(b []byte) (int64, error) {
	b = trimSpace(b)
	if len(b) == 0 {
		return 0, &Error{Reason: "empty chunk size"}
	}
	var n int64
	for _, c := range b {
		var v int64
		switch {
		case '0' <= c && c <= '9':
			v = int64(c - '0')
		case 'a' <= c && c <= 'f':
			v = int64(c-'a') + 10
		case 'A' <= c && c <= 'F':
			v = int64(c-'A') + 10
		default:
			return 0, &Error{Reason: "invalid hex digit"}
		}
		n = n*16 + v
	}
	return n, nil
}
