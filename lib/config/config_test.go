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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestParseProperties(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  map[string]string
	}{
		{
			name:  "equals and colon separators",
			input: "a=1\nb:2\nc 3\n",
			want:  map[string]string{"a": "1", "b": "2", "c": "3"},
		},
		{
			name:  "whitespace around separator",
			input: "key  =  value with spaces\n",
			want:  map[string]string{"key": "value with spaces"},
		},
		{
			name:  "comments and blanks",
			input: "# comment\n! also comment\n\na=1\n",
			want:  map[string]string{"a": "1"},
		},
		{
			name:  "line continuation strips leading whitespace",
			input: "fruits=apple, banana, \\\n    cherry\n",
			want:  map[string]string{"fruits": "apple, banana, cherry"},
		},
		{
			name:  "double backslash is not a continuation",
			input: "path=c:\\\\temp\n",
			want:  map[string]string{"path": "c:\\temp"},
		},
		{
			name:  "unicode escapes",
			input: "greeting=caf\\u00e9\n",
			want:  map[string]string{"greeting": "café"},
		},
		{
			name:  "escaped whitespace in key",
			input: "spaced\\ key=v\n",
			want:  map[string]string{"spaced key": "v"},
		},
		{
			name:  "last occurrence wins",
			input: "a=1\na=2\n",
			want:  map[string]string{"a": "2"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseProperties(strings.NewReader(tc.input))
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestConfigKeyRegistry(t *testing.T) {
	c := NewConfig(nil)
	require.NoError(t, c.AddKeyWithDefault("a", "1"))
	err := c.AddKey("a")
	require.True(t, trace.IsAlreadyExists(err))

	_, err = c.Get("missing")
	require.True(t, trace.IsNotFound(err))

	v, err := c.Get("a")
	require.NoError(t, err)
	require.Equal(t, "1", v)

	require.NoError(t, c.SetValue("a", "2"))
	v, err = c.Get("a")
	require.NoError(t, err)
	require.Equal(t, "2", v)
}

func TestConfigComputedValue(t *testing.T) {
	c := NewConfig(nil)
	require.NoError(t, c.AddComputedKey("shout", "quiet", strings.ToUpper))
	v, err := c.Get("shout")
	require.NoError(t, err)
	require.Equal(t, "QUIET", v)
	raw, err := c.GetRaw("shout")
	require.NoError(t, err)
	require.Equal(t, "quiet", raw)
}

func TestConfigGetDuration(t *testing.T) {
	c := NewConfig(nil)
	require.NoError(t, c.AddKeyWithDefault("timeoutMillis", "1500"))
	d, err := c.GetDuration("timeoutMillis")
	require.NoError(t, err)
	require.Equal(t, 1500*time.Millisecond, d)

	require.NoError(t, c.SetValue("timeoutMillis", "not a number"))
	_, err = c.GetDuration("timeoutMillis")
	require.True(t, trace.IsBadParameter(err))
}

func writeConfigFile(t *testing.T, path, contents string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestConfigReloadEmitsSingleEvent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "adaptor.properties")
	base := time.Now().Add(-time.Hour)
	writeConfigFile(t, path, "adaptor.fullListingSchedule=1\n", base)

	c := NewConfig(nil)
	require.NoError(t, c.LoadFromFile(path))

	var events []ModificationEvent
	c.AddListener(func(e ModificationEvent) { events = append(events, e) })

	// Advance the mtime with changed contents: exactly one event naming
	// exactly the changed key.
	writeConfigFile(t, path, "adaptor.fullListingSchedule=2\n", base.Add(time.Minute))
	require.NoError(t, c.EnsureLatestLoaded())
	require.Len(t, events, 1)
	require.Equal(t, []string{"adaptor.fullListingSchedule"}, events[0].ModifiedKeys)

	// No further change: no event.
	require.NoError(t, c.EnsureLatestLoaded())
	require.Len(t, events, 1)

	v, err := c.Get("adaptor.fullListingSchedule")
	require.NoError(t, err)
	require.Equal(t, "2", v)
}

func TestConfigReloadValidationFailureKeepsState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "adaptor.properties")
	base := time.Now().Add(-time.Hour)
	writeConfigFile(t, path, "mode=good\n", base)

	c := NewConfig(nil)
	require.NoError(t, c.LoadFromFile(path))
	c.SetValidator(func(view map[string]string) error {
		if view["mode"] != "good" {
			return trace.BadParameter("mode must be good")
		}
		return nil
	})
	fired := false
	c.AddListener(func(ModificationEvent) { fired = true })

	writeConfigFile(t, path, "mode=bad\n", base.Add(time.Minute))
	require.Error(t, c.EnsureLatestLoaded())
	require.False(t, fired)

	v, err := c.Get("mode")
	require.NoError(t, err)
	require.Equal(t, "good", v)
}

func TestConfigOverrideWinsOverReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "adaptor.properties")
	base := time.Now().Add(-time.Hour)
	writeConfigFile(t, path, "a=file\n", base)

	c := NewConfig(nil)
	require.NoError(t, c.LoadFromFile(path))
	require.NoError(t, c.SetValue("a", "override"))

	writeConfigFile(t, path, "a=file2\n", base.Add(time.Minute))
	require.NoError(t, c.EnsureLatestLoaded())
	v, err := c.Get("a")
	require.NoError(t, err)
	require.Equal(t, "override", v)
}

func TestValidateEffective(t *testing.T) {
	c := NewDefaultConfig(nil)
	err := c.Validate()
	require.Error(t, err, "blank gsa.hostname must not validate")

	require.NoError(t, c.SetValue(KeyGsaHostname, "gsa.example.com"))
	require.NoError(t, c.SetValue(KeyFeedName, "testfeed"))
	require.NoError(t, c.Validate())

	require.NoError(t, c.SetValue(KeyGsaScoringType, "bogus"))
	require.Error(t, c.Validate())
	require.NoError(t, c.SetValue(KeyGsaScoringType, "web"))
	require.NoError(t, c.Validate())

	require.NoError(t, c.SetValue(KeyFeedMaxURLs, "-5"))
	require.Error(t, c.Validate())
}

func TestSensitiveValueCodec(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	codec, err := NewSensitiveValueCodec(key, nil)
	require.NoError(t, err)

	// Plain prefix and untagged values pass through.
	got, err := codec.Decode("pl:secret")
	require.NoError(t, err)
	require.Equal(t, "secret", got)
	got, err = codec.Decode("just a value")
	require.NoError(t, err)
	require.Equal(t, "just a value", got)

	// Obfuscated round trip.
	sealed, err := codec.EncodeObfuscated("hunter2")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sealed, "obf:"))
	got, err = codec.Decode(sealed)
	require.NoError(t, err)
	require.Equal(t, "hunter2", got)

	// Corrupt payloads are rejected, not mis-decoded.
	_, err = codec.Decode("obf:not-base64!!!")
	require.Error(t, err)
}

func TestConfigDecodesSensitiveValues(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	codec, err := NewSensitiveValueCodec(key, nil)
	require.NoError(t, err)
	sealed, err := codec.EncodeObfuscated("hunter2")
	require.NoError(t, err)

	c := NewConfig(nil)
	require.NoError(t, c.AddKey("repo.password"))
	require.NoError(t, c.SetValue("repo.password", sealed))
	require.True(t, NeedsObfuscationKey(c.Snapshot()))

	// Before the codec is installed the stored ciphertext comes back.
	v, err := c.Get("repo.password")
	require.NoError(t, err)
	require.Equal(t, sealed, v)

	c.SetSensitiveValueCodec(codec)
	v, err = c.Get("repo.password")
	require.NoError(t, err)
	require.Equal(t, "hunter2", v)

	// The raw view stays encoded so dashboards never see plaintext.
	raw, err := c.GetRaw("repo.password")
	require.NoError(t, err)
	require.Equal(t, sealed, raw)
	require.Equal(t, sealed, c.Snapshot()["repo.password"])

	// Untagged values are untouched by the codec.
	require.NoError(t, c.AddKeyWithDefault("feed.name", "plain"))
	v, err = c.Get("feed.name")
	require.NoError(t, err)
	require.Equal(t, "plain", v)
	require.False(t, NeedsObfuscationKey(map[string]string{"feed.name": "plain"}))
}
