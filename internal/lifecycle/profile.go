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

package lifecycle

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"comfybox/internal/workflow"
)

// Kind 宿主参数类型，决定写入图之前的取值与规整方式
type Kind string

const (
	KindText   Kind = "text"   // 字符串，去除首尾空白
	KindFloat  Kind = "float"  // 数值，Digits>0 时四舍五入
	KindInt    Kind = "int"    // 数值，截断为整数
	KindPath   Kind = "path"   // 宿主输入图层路径（Signals.Inputs）
	KindChoice Kind = "choice" // 模型目录下标或显示名
)

// Binding 一个宿主参数到图中字面量输入的映射
type Binding struct {
	Param    string            `mapstructure:"param" json:"param"`
	Selector workflow.Selector `mapstructure:"selector" json:"selector"`
	Input    string            `mapstructure:"input" json:"input"`
	Kind     Kind              `mapstructure:"kind" json:"kind"`
	Digits   int               `mapstructure:"digits" json:"digits,omitempty"`
	Catalog  string            `mapstructure:"catalog" json:"catalog,omitempty"`
}

// Output 一个输出写节点：打补丁时写入 Prefix（为空则保留模板值）与当前帧号
type Output struct {
	Slot        string            `mapstructure:"slot" json:"slot"`
	Selector    workflow.Selector `mapstructure:"selector" json:"selector"`
	PrefixInput string            `mapstructure:"prefix_input" json:"prefix_input"`
	PadInput    string            `mapstructure:"pad_input" json:"pad_input,omitempty"`
	FrameInput  string            `mapstructure:"frame_input" json:"frame_input,omitempty"`
	Prefix      string            `mapstructure:"prefix" json:"prefix,omitempty"`
}

// Profile 一类工作流模板的参数与输出描述，参数按声明顺序应用
type Profile struct {
	Name    string    `mapstructure:"name" json:"name"`
	Params  []Binding `mapstructure:"params" json:"params"`
	Outputs []Output  `mapstructure:"outputs" json:"outputs"`
}

// Validate 检查 profile 自身是否完整
func (p Profile) Validate() error {
	if len(p.Outputs) == 0 {
		return fmt.Errorf("profile %q: no outputs", p.Name)
	}
	for i, b := range p.Params {
		if b.Param == "" || b.Input == "" || b.Selector.Type == "" {
			return fmt.Errorf("profile %q: param %d: param, input and selector.type are required", p.Name, i)
		}
		switch b.Kind {
		case KindText, KindFloat, KindInt, KindPath:
		case KindChoice:
			if b.Catalog == "" {
				return fmt.Errorf("profile %q: param %s: choice requires a catalog", p.Name, b.Param)
			}
		default:
			return fmt.Errorf("profile %q: param %s: unknown kind %q", p.Name, b.Param, b.Kind)
		}
	}
	slots := make(map[string]bool, len(p.Outputs))
	for i, o := range p.Outputs {
		if o.Slot == "" || o.PrefixInput == "" || o.Selector.Type == "" {
			return fmt.Errorf("profile %q: output %d: slot, prefix_input and selector.type are required", p.Name, i)
		}
		if slots[o.Slot] {
			return fmt.Errorf("profile %q: duplicate output slot %q", p.Name, o.Slot)
		}
		slots[o.Slot] = true
	}
	return nil
}

// 内置 SegmentAnything profile 使用的参数名与输出槽位
const (
	ParamSAMModel   = "sam_model"
	ParamDINOModel  = "dino_model"
	ParamPrompt     = "prompt"
	ParamThreshold  = "threshold"
	ParamResolution = "resolution"
	LayerFront      = "Front"
	SlotResult      = "Result"
	SlotOutMatte    = "OutMatte"

	CatalogSAM  = "sam"
	CatalogDINO = "grounding_dino"
)

// SegmentAnything GroundingDINO + SAM 分割模板。
// 模型加载节点沿分割节点的 sam_model / grounding_dino_model 引用定位；
// 两个 SaveEXR 以模板中的 filename_prefix（Result / OutMatte）区分。
func SegmentAnything() Profile {
	seg := workflow.Selector{Type: workflow.ClassGroundingDinoSAMSegment}
	writer := func(role string) workflow.Selector {
		return workflow.Selector{Type: workflow.ClassSaveEXR, Match: []workflow.Match{{Input: "filename_prefix", Value: role}}}
	}
	return Profile{
		Name: "segment_anything",
		Params: []Binding{
			{Param: ParamSAMModel, Selector: workflow.Selector{Type: seg.Type, Follow: "sam_model"}, Input: "model_name", Kind: KindChoice, Catalog: CatalogSAM},
			{Param: ParamDINOModel, Selector: workflow.Selector{Type: seg.Type, Follow: "grounding_dino_model"}, Input: "model_name", Kind: KindChoice, Catalog: CatalogDINO},
			{Param: ParamPrompt, Selector: seg, Input: "prompt", Kind: KindText},
			{Param: ParamThreshold, Selector: seg, Input: "threshold", Kind: KindFloat, Digits: 2},
			{Param: ParamResolution, Selector: workflow.Selector{Type: workflow.ClassSAMPreprocessor}, Input: "resolution", Kind: KindInt},
			{Param: LayerFront, Selector: workflow.Selector{Type: workflow.ClassLoadEXR}, Input: "filepath", Kind: KindPath},
		},
		Outputs: []Output{
			{Slot: SlotResult, Selector: writer("Result"), PrefixInput: "filename_prefix", PadInput: "frame_pad", FrameInput: "start_frame", Prefix: "comfybox/segment_anything/Result"},
			{Slot: SlotOutMatte, Selector: writer("OutMatte"), PrefixInput: "filename_prefix", PadInput: "frame_pad", FrameInput: "start_frame", Prefix: "comfybox/segment_anything/OutMatte"},
		},
	}
}

// ProfileByName 按名称返回内置 profile
func ProfileByName(name string) (Profile, error) {
	switch strings.ToLower(name) {
	case "", "segment_anything":
		return SegmentAnything(), nil
	default:
		return Profile{}, fmt.Errorf("unknown profile %q", name)
	}
}

// LoadProfile 从 YAML/JSON 文件加载 profile
func LoadProfile(path string) (Profile, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Profile{}, fmt.Errorf("无法读取 profile 文件: %w", err)
	}
	var p Profile
	if err := v.Unmarshal(&p); err != nil {
		return Profile{}, fmt.Errorf("无法解析 profile 文件: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}
