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

package pipe_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cockpit-project/agent-bridge/internal/pipe"
)

func TestConnReadWriteRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()

	p := pipe.NewConn("test", a)

	go func() {
		buf := make([]byte, 11)
		n, _ := b.Read(buf)
		_, _ = b.Write(buf[:n])
	}()

	p.Write([]byte("Marmalaade!"))

	select {
	case ev := <-p.Reads():
		require.False(t, ev.EOF)
		assert.Equal(t, "Marmalaade!", string(ev.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed data")
	}
}

func TestConnEOFDeliveredOnce(t *testing.T) {
	a, b := net.Pipe()
	p := pipe.NewConn("test", a)

	_ = b.Close()

	select {
	case ev := <-p.Reads():
		assert.True(t, ev.EOF)
		assert.Empty(t, ev.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for eof")
	}

	select {
	case <-p.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("pipe did not close after eof with no child process")
	}
}

func TestWriteGaugeTracksQueue(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	p := pipe.NewConn("test", a)
	done := make(chan struct{})
	go func() {
		buf := make([]byte, 4)
		for i := 0; i < 3; i++ {
			_, _ = b.Read(buf)
		}
		close(done)
	}()

	p.Write([]byte("abcd"))
	p.Write([]byte("efgh"))
	p.Write([]byte("ijkl"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writes never drained")
	}
	assert.Eventually(t, func() bool { return p.WriteGauge.Bytes() == 0 },
		2*time.Second, 10*time.Millisecond)
}
