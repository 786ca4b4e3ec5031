// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerTo_JSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&Config{Level: "warn"}, &buf)
	l.Info("hidden")
	l.Warn("shown", "job", "p1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "p1", rec["job"])
}

func TestNewLoggerTo_Text(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&Config{Format: "text", Level: "debug"}, &buf)
	l.Debug("patched", "input", "prompt")
	assert.Contains(t, buf.String(), "msg=patched")
	assert.Contains(t, buf.String(), "input=prompt")
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pybox.log")
	l, err := NewLogger(&Config{File: path})
	require.NoError(t, err)
	l.Info("hello")
	assert.FileExists(t, path)

	_, err = NewLogger(&Config{File: filepath.Join(t.TempDir(), "missing", "x.log")})
	assert.Error(t, err)
}
