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

func TestFind_StableOrder(t *testing.T) {
	g := mustLoad(t, segmentGraph)
	first := Find(g, "Writer")
	assert.Equal(t, []string{"30", "31"}, first)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Find(g, "Writer"))
	}
	assert.Empty(t, Find(g, "Missing"))
}

func TestFind_ReturnsCopy(t *testing.T) {
	g := mustLoad(t, segmentGraph)
	ids := Find(g, "Writer")
	ids[0] = "mutated"
	assert.Equal(t, []string{"30", "31"}, Find(g, "Writer"))
}

func TestFindUnique_Disambiguation(t *testing.T) {
	g := mustLoad(t, segmentGraph)

	id, err := FindUnique(g, "Writer", Match{Input: "role", Value: "OutMatte"})
	require.NoError(t, err)
	assert.Equal(t, "31", id)

	id, err = FindUnique(g, "Writer", Match{Input: "role", Value: "Result"})
	require.NoError(t, err)
	assert.Equal(t, "30", id)

	_, err = FindUnique(g, "Writer")
	assert.ErrorIs(t, err, ErrAmbiguousNode)
}

func TestFindUnique_NotFound(t *testing.T) {
	g := mustLoad(t, segmentGraph)

	_, err := FindUnique(g, "Missing")
	assert.ErrorIs(t, err, ErrNodeNotFound)

	_, err = FindUnique(g, "Writer", Match{Input: "role", Value: "Depth"})
	assert.ErrorIs(t, err, ErrNodeNotFound)

	// 引用型输入不参与字面量匹配
	_, err = FindUnique(g, "Writer", Match{Input: "images", Value: "20"})
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestFindUnique_NumericMatch(t *testing.T) {
	g := mustLoad(t, `{
  "1": {"class_type": "Scale", "inputs": {"factor": 2}},
  "2": {"class_type": "Scale", "inputs": {"factor": 0.5}}
}`)
	id, err := FindUnique(g, "Scale", Match{Input: "factor", Value: 0.5})
	require.NoError(t, err)
	assert.Equal(t, "2", id)

	id, err = FindUnique(g, "Scale", Match{Input: "factor", Value: 2})
	require.NoError(t, err)
	assert.Equal(t, "1", id)
}

func TestSelector_Follow(t *testing.T) {
	g := mustLoad(t, `{
  "4": {"class_type": "SAMModelLoader (segment anything)", "inputs": {"model_name": "sam_vit_h (2.56GB)"}},
  "5": {"class_type": "GroundingDinoModelLoader (segment anything)", "inputs": {"model_name": "GroundingDINO_SwinT_OGC (694MB)"}},
  "6": {"class_type": "GroundingDinoSAMSegment (segment anything)", "inputs": {"sam_model": ["4", 0], "grounding_dino_model": ["5", 0], "prompt": "", "threshold": 0.3}}
}`)

	id, err := Selector{Type: ClassGroundingDinoSAMSegment, Follow: "sam_model"}.Resolve(g)
	require.NoError(t, err)
	assert.Equal(t, "4", id)

	id, err = Selector{Type: ClassGroundingDinoSAMSegment, Follow: "grounding_dino_model"}.Resolve(g)
	require.NoError(t, err)
	assert.Equal(t, "5", id)

	_, err = Selector{Type: ClassGroundingDinoSAMSegment, Follow: "prompt"}.Resolve(g)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = Selector{Type: ClassGroundingDinoSAMSegment, Follow: "vae"}.Resolve(g)
	assert.ErrorIs(t, err, ErrUnknownInput)
}

func TestSelector_String(t *testing.T) {
	s := Selector{Type: "Writer", Match: []Match{{Input: "role", Value: "Result"}}}
	assert.Equal(t, "Writer where role=Result", s.String())
	s = Selector{Type: "Seg", Follow: "sam_model"}
	assert.Equal(t, "Seg -> sam_model", s.String())
}
