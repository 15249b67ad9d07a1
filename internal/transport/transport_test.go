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

package transport_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cockpit-project/agent-bridge/internal/frame"
	"github.com/cockpit-project/agent-bridge/internal/pipe"
	"github.com/cockpit-project/agent-bridge/internal/problem"
	"github.com/cockpit-project/agent-bridge/internal/transport"
)

func TestSendEncodesFrame(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	tr := transport.New(pipe.NewConn("test", a), 0)

	go tr.Send("4", []byte("hello"))

	// net.Pipe is not a vectorised writer, so the header and payload arrive
	// as two separate writes; keep reading until the frame is complete.
	dec := frame.NewDecoder(0)
	raw := make([]byte, 64)
	var frames []frame.Frame
	for len(frames) == 0 {
		n, err := b.Read(raw)
		require.NoError(t, err)
		frames, err = dec.Feed(raw[:n])
		require.NoError(t, err)
	}
	require.Len(t, frames, 1)
	assert.Equal(t, "4", frames[0].Channel)
	assert.Equal(t, "hello", string(frames[0].Payload))
}

func TestRecvDeliversDecodedFrames(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	tr := transport.New(pipe.NewConn("test", a), 0)

	go func() {
		_, _ = b.Write(frame.Encode(frame.ControlChannel, []byte(`{"command":"init","version":1}`)))
	}()

	select {
	case f := <-tr.Recv():
		assert.Equal(t, frame.ControlChannel, f.Channel)
		assert.Contains(t, string(f.Payload), "init")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestTruncatedFrameIsProtocolError(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()

	tr := transport.New(pipe.NewConn("test", a), 0)

	go func() {
		full := frame.Encode("1", []byte("payload"))
		_, _ = b.Write(full[:len(full)-2])
		_ = b.Close()
	}()

	select {
	case <-tr.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("transport never closed on truncated frame")
	}

	prob, ok := problem.As(tr.Err())
	require.True(t, ok)
	assert.Equal(t, problem.ProtocolError, prob.Code)
}

func TestCleanEOFWithEmptyBufferIsNotFatal(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()

	tr := transport.New(pipe.NewConn("test", a), 0)

	_ = b.Close()

	select {
	case <-tr.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("transport never closed")
	}

	assert.Nil(t, tr.Err())
}
