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

package frame_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cockpit-project/agent-bridge/internal/frame"
	"github.com/cockpit-project/agent-bridge/internal/problem"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	wire := frame.Encode("5", []byte("hello"))

	d := frame.NewDecoder(0)
	frames, err := d.Feed(wire)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "5", frames[0].Channel)
	assert.Equal(t, []byte("hello"), frames[0].Payload)
	assert.Zero(t, d.Pending())
}

func TestDecodeSplitAcrossFeeds(t *testing.T) {
	wire := frame.Encode(frame.ControlChannel, []byte(`{"command":"init"}`))

	d := frame.NewDecoder(0)
	frames, err := d.Feed(wire[:3])
	require.NoError(t, err)
	assert.Empty(t, frames)

	frames, err = d.Feed(wire[3:])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, frame.ControlChannel, frames[0].Channel)
}

func TestDecodeMultipleFramesInOneFeed(t *testing.T) {
	wire := append(frame.Encode("1", []byte("a")), frame.Encode("2", []byte("b"))...)

	d := frame.NewDecoder(0)
	frames, err := d.Feed(wire)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "1", frames[0].Channel)
	assert.Equal(t, "2", frames[1].Channel)
}

func TestEmptyPayloadIsLegal(t *testing.T) {
	wire := frame.Encode("3", nil)
	d := frame.NewDecoder(0)
	frames, err := d.Feed(wire)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Empty(t, frames[0].Payload)
}

func TestMalformedChannelIDIsProtocolError(t *testing.T) {
	d := frame.NewDecoder(0)
	_, err := d.Feed(frame.Encode("x", []byte("body just to have a newline somewhere")))
	require.Error(t, err)
	p, ok := problem.As(err)
	require.True(t, ok)
	assert.Equal(t, problem.ProtocolError, p.Code)
}

func TestEmptyChannelIDIsProtocolError(t *testing.T) {
	d := frame.NewDecoder(0)
	_, err := d.Feed(frame.Encode("", []byte("x")))
	require.Error(t, err)
	p, ok := problem.As(err)
	require.True(t, ok)
	assert.Equal(t, problem.ProtocolError, p.Code)
}

func TestOversizeFrameIsProtocolError(t *testing.T) {
	d := frame.NewDecoder(4)
	_, err := d.Feed(frame.Encode("1", []byte("too big")))
	require.Error(t, err)
	p, ok := problem.As(err)
	require.True(t, ok)
	assert.Equal(t, problem.ProtocolError, p.Code)
}

func TestLengthPrefixNearU32CeilingIsProtocolError(t *testing.T) {
	// A maxSize this large would otherwise let the 4-byte u32 length prefix
	// through to the lengthPrefixSize+int(n) computation unchecked.
	d := frame.NewDecoder(1<<32 - 1)
	wire := []byte{0xff, 0xff, 0xff, 0xff, '1', '\n'}
	_, err := d.Feed(wire)
	require.Error(t, err)
	p, ok := problem.As(err)
	require.True(t, ok)
	assert.Equal(t, problem.ProtocolError, p.Code)
}

func TestPendingReflectsTruncation(t *testing.T) {
	wire := frame.Encode("1", []byte("hello"))
	d := frame.NewDecoder(0)
	_, err := d.Feed(wire[:len(wire)-2])
	require.NoError(t, err)
	assert.NotZero(t, d.Pending())
}
