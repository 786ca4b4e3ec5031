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

package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inputOf(t *testing.T, g *Graph, id, name string) Value {
	t.Helper()
	n, ok := g.Node(id)
	require.True(t, ok)
	v, ok := n.Input(name)
	require.True(t, ok)
	return v
}

func TestBind_Literal(t *testing.T) {
	g := mustLoad(t, segmentGraph)
	require.NoError(t, Bind(g, "20", "threshold", Literal(0.5)))
	f, ok := inputOf(t, g, "20", "threshold").Float()
	require.True(t, ok)
	assert.Equal(t, 0.5, f)

	n, _ := g.Node("20")
	assert.Equal(t, []string{"image", "prompt", "threshold"}, n.InputNames())
}

func TestBind_ReferenceInputIsReadOnly(t *testing.T) {
	g := mustLoad(t, segmentGraph)
	err := Bind(g, "20", "image", Literal("other.exr"))
	assert.ErrorIs(t, err, ErrTypeMismatch)

	ref, ok := inputOf(t, g, "20", "image").Ref()
	require.True(t, ok)
	assert.Equal(t, "10", ref.NodeID)
}

func TestBind_ReferenceValueRejected(t *testing.T) {
	g := mustLoad(t, segmentGraph)
	err := Bind(g, "20", "prompt", Reference("10", 0))
	assert.ErrorIs(t, err, ErrTypeMismatch)
	s, _ := inputOf(t, g, "20", "prompt").String()
	assert.Equal(t, "", s)
}

func TestBind_UnknownInput(t *testing.T) {
	g := mustLoad(t, segmentGraph)
	err := Bind(g, "20", "negative_prompt", Literal("x"))
	assert.ErrorIs(t, err, ErrUnknownInput)
	n, _ := g.Node("20")
	assert.NotContains(t, n.InputNames(), "negative_prompt")
}

func TestBind_UnknownNode(t *testing.T) {
	g := mustLoad(t, segmentGraph)
	assert.ErrorIs(t, Bind(g, "99", "prompt", Literal("x")), ErrNodeNotFound)
}

func TestBindAll_NotAtomic(t *testing.T) {
	g := mustLoad(t, segmentGraph)
	applied, err := BindAll(g, []Patch{
		Set("20", "prompt", "cat"),
		Set("20", "threshold", 0.5),
		Set("20", "image", "bad"),
		Set("30", "filename_prefix", "never"),
	})
	assert.ErrorIs(t, err, ErrTypeMismatch)
	assert.Equal(t, 2, applied)

	s, _ := inputOf(t, g, "20", "prompt").String()
	assert.Equal(t, "cat", s)
	f, _ := inputOf(t, g, "20", "threshold").Float()
	assert.Equal(t, 0.5, f)
	prefix, _ := inputOf(t, g, "30", "filename_prefix").String()
	assert.Equal(t, "result", prefix)
}

func TestBindAll_All(t *testing.T) {
	g := mustLoad(t, segmentGraph)
	applied, err := BindAll(g, []Patch{
		Set("20", "prompt", "cat"),
		Set("31", "filename_prefix", "matte"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	out, err := Serialize(g)
	require.NoError(t, err)
	again := mustLoad(t, string(out))
	s, _ := inputOf(t, again, "31", "filename_prefix").String()
	assert.Equal(t, "matte", s)
}
