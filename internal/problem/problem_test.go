// MIT License
//
// Copyright (c) 2016-2017 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package problem_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cockpit-project/agent-bridge/internal/problem"
)

func TestNewAndMeta(t *testing.T) {
	p := problem.New(problem.NotFound, "no such file").AddMeta("path", "/etc/x")
	assert.Equal(t, "no such file", p.Error())
	assert.Equal(t, "/etc/x", p.Meta["path"])
}

func TestAddMetaOddArgs(t *testing.T) {
	p := problem.New(problem.InternalError, "boom").AddMeta("only-one")
	assert.Contains(t, p.Meta, "error")
}

func TestErrorFallsBackToCode(t *testing.T) {
	p := problem.New(problem.Disconnected, "")
	assert.Equal(t, "disconnected", p.Error())
}

func TestAsUnwraps(t *testing.T) {
	inner := problem.New(problem.ProtocolError, "bad frame")
	wrapped := fmt.Errorf("while parsing: %w", inner)
	found, ok := problem.As(wrapped)
	assert.True(t, ok)
	assert.Same(t, inner, found)

	_, ok = problem.As(fmt.Errorf("plain"))
	assert.False(t, ok)
}
