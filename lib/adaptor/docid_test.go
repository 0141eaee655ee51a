// Feedgate
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package adaptor

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustCodec(t *testing.T) *DocIdCodec {
	t.Helper()
	base, err := url.Parse("http://localhost:5678/doc/")
	require.NoError(t, err)
	codec, err := NewDocIdCodec(base)
	require.NoError(t, err)
	return codec
}

func TestDocIdCodecRoundTrip(t *testing.T) {
	codec := mustCodec(t)
	ids := []DocId{
		"1234",
		"folder/file.txt",
		"has space and &? weird=chars",
		"unicode ÿ≤ƒ doc",
		"trailing/",
	}
	for _, id := range ids {
		u := codec.EncodeDocId(id)
		got, err := codec.DecodeDocId(u.EscapedPath())
		require.NoError(t, err)
		require.Equal(t, id, got)
	}
}

func TestDocIdCodecEncoding(t *testing.T) {
	codec := mustCodec(t)
	u := codec.EncodeDocId("a b&c")
	require.Equal(t, "http://localhost:5678/doc/a%20b%26c", u.String())
}

func TestDocIdCodecRejectsForeignPath(t *testing.T) {
	codec := mustCodec(t)
	_, err := codec.DecodeDocId("/other/1234")
	require.Error(t, err)
}

func TestMetadataIteration(t *testing.T) {
	m := NewMetadata()
	m.Add("b", "2")
	m.Add("a", "9")
	m.Add("a", "1")
	m.Add("a", "1") // duplicate collapses
	require.Equal(t, []MetadataEntry{
		{Key: "a", Value: "1"},
		{Key: "a", Value: "9"},
		{Key: "b", Value: "2"},
	}, m.Entries())

	m.Set("b", nil)
	require.Equal(t, []string{"a"}, m.Keys())
	require.False(t, m.IsEmpty())

	view := m.ReadOnly()
	view.Add("c", "3")
	require.Nil(t, m.Get("c"), "mutating the view must not reach the original")
	require.True(t, m.Equal(m.ReadOnly()))
}
