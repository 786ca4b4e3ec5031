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

package reconcile

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comfybox/internal/job"
	"comfybox/internal/workflow"
)

const writers = `{
  "10": {"inputs": {"filepath": "/in/front.exr"}, "class_type": "LoadEXR"},
  "30": {"inputs": {"images": ["10", 0], "filename_prefix": "result"}, "class_type": "Writer"},
  "31": {"inputs": {"images": ["10", 0], "filename_prefix": "renders/outmatte", "frame_pad": 6}, "class_type": "Writer"}
}`

func targets() []Target {
	return []Target{
		{Slot: "Result", NodeID: "30", PrefixInput: "filename_prefix", PadInput: "frame_pad"},
		{Slot: "OutMatte", NodeID: "31", PrefixInput: "filename_prefix", PadInput: "frame_pad"},
	}
}

func TestExpect(t *testing.T) {
	g, err := workflow.Load([]byte(writers))
	require.NoError(t, err)

	r := New(afero.NewMemMapFs(), Naming{}, nil)
	got, err := r.Expect(g, targets(), 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"Result":   "result_0001",
		"OutMatte": filepath.Join("renders", "outmatte_000001"),
	}, got)

	r = New(afero.NewMemMapFs(), Naming{Dir: "/out", Ext: ".exr", Pad: 3}, nil)
	got, err = r.Expect(g, targets(), 12)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/out", "result_012.exr"), got["Result"])
	assert.Equal(t, filepath.Join("/out", "renders", "outmatte_000012.exr"), got["OutMatte"])
}

func TestExpect_Errors(t *testing.T) {
	g, err := workflow.Load([]byte(writers))
	require.NoError(t, err)
	r := New(afero.NewMemMapFs(), Naming{}, nil)

	_, err = r.Expect(g, []Target{{Slot: "Result", NodeID: "99", PrefixInput: "filename_prefix"}}, 1)
	assert.ErrorIs(t, err, workflow.ErrNodeNotFound)

	_, err = r.Expect(g, []Target{{Slot: "Result", NodeID: "30", PrefixInput: "prefix"}}, 1)
	assert.ErrorIs(t, err, workflow.ErrUnknownInput)

	_, err = r.Expect(g, []Target{{Slot: "Result", NodeID: "30", PrefixInput: "images"}}, 1)
	assert.ErrorIs(t, err, workflow.ErrTypeMismatch)
}

func TestReconcile(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := New(fs, Naming{}, nil)
	j := job.New("p-1", nil, map[string]string{"Result": "result_0001", "OutMatte": "outmatte_0001"}, 1)

	require.NoError(t, afero.WriteFile(fs, "result_0001", []byte("exr"), 0o644))
	got, err := r.Reconcile(j)
	require.ErrorIs(t, err, ErrArtifactMissing)
	assert.Contains(t, err.Error(), "OutMatte=outmatte_0001")
	assert.Equal(t, map[string]string{"Result": "result_0001"}, got)

	require.NoError(t, afero.WriteFile(fs, "outmatte_0001", []byte("exr"), 0o644))
	got, err = r.Reconcile(j)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Result": "result_0001", "OutMatte": "outmatte_0001"}, got)
}
