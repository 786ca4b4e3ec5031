package main

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"comfybox/internal/workflow"
)

func TestReport(t *testing.T) {
	var buf bytes.Buffer
	code := report(&buf, fmt.Errorf("param prompt: %w: type %q", workflow.ErrNodeNotFound, "SegmentNode"))
	assert.Equal(t, 1, code)
	assert.Contains(t, buf.String(), "工作流或模板错误")

	buf.Reset()
	code = report(&buf, errors.New("pybox: decode: unexpected EOF"))
	assert.Equal(t, 1, code)
	assert.Contains(t, buf.String(), "pybox 失败")
	assert.NotContains(t, buf.String(), "工作流或模板错误")
}
