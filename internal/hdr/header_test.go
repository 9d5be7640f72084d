/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package hdr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalKey(t *testing.T) {
	cases := map[string]string{
		"content-type":    "Content-Type",
		"CONTENT-TYPE":    "Content-Type",
		"x-custom-header": "X-Custom-Header",
		"":                "",
	}
	for in, want := range cases {
		require.Equal(t, want, CanonicalKey(in))
	}
}

func TestIsForbidden(t *testing.T) {
	require.True(t, IsForbidden("transfer-encoding"))
	require.True(t, IsForbidden("CONNECTION"))
	require.True(t, IsForbidden("Expect"))
	require.False(t, IsForbidden("Content-Type"))
}

func TestHeader_AddGetSetDel(t *testing.T) {
	h := make(Header)
	h.Add("x-foo", "1")
	h.Add("X-Foo", "2")
	require.Equal(t, []string{"1", "2"}, h["X-Foo"])
	require.Equal(t, "1", h.Get("x-FOO"))

	h.Set("x-foo", "only")
	require.Equal(t, "only", h.Get("X-Foo"))

	h.Del("x-foo")
	require.Equal(t, "", h.Get("X-Foo"))
}

func TestHeader_GetOnNilHeaderIsEmpty(t *testing.T) {
	var h Header
	require.Equal(t, "", h.Get("X-Foo"))
}

func TestHeader_CloneIsDeepCopy(t *testing.T) {
	h := Header{"X-Foo": {"bar"}}
	clone := h.Clone()
	clone.Add("X-Foo", "baz")
	require.Equal(t, []string{"bar"}, h["X-Foo"])
	require.Equal(t, []string{"bar", "baz"}, clone["X-Foo"])
}

func TestHeader_CloneOfNilIsNil(t *testing.T) {
	var h Header
	require.Nil(t, h.Clone())
}

func TestHeader_WriteSubsetSortsAndExcludes(t *testing.T) {
	h := Header{
		"X-B": {"2"},
		"X-A": {"1"},
		"Host": {"example.com"},
	}
	var sb strings.Builder
	require.NoError(t, h.WriteSubset(&sb, map[string]bool{"Host": true}))
	require.Equal(t, "X-A: 1\r\nX-B: 2\r\n", sb.String())
}

func TestHeader_WriteStripsCRLFFromValues(t *testing.T) {
	h := Header{"X-Foo": {"line1\r\nline2"}}
	var sb strings.Builder
	require.NoError(t, h.Write(&sb))
	require.Equal(t, "X-Foo: line1  line2\r\n", sb.String())
}
