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

import "errors"

var (
	// ErrMalformedGraph 持久化的图无法解析：缺 class_type、悬空引用或存在环
	ErrMalformedGraph = errors.New("workflow: malformed graph")
	// ErrNodeNotFound 按类型/谓词未找到节点，通常意味着模板与期望结构不符
	ErrNodeNotFound = errors.New("workflow: node not found")
	// ErrAmbiguousNode 同类型节点多于一个且未给出可区分的谓词
	ErrAmbiguousNode = errors.New("workflow: ambiguous node")
	// ErrTypeMismatch 试图改写引用型输入，或以引用值改写
	ErrTypeMismatch = errors.New("workflow: type mismatch")
	// ErrUnknownInput 节点上不存在该输入；补丁只覆盖已有字面量槽位
	ErrUnknownInput = errors.New("workflow: unknown input")
)
