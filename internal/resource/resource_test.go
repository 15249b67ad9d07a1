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

package resource_test

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ezex-io/gopkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cockpit-project/agent-bridge/internal/channel"
	"github.com/cockpit-project/agent-bridge/internal/frame"
	"github.com/cockpit-project/agent-bridge/internal/pipe"
	"github.com/cockpit-project/agent-bridge/internal/pkgindex"
	"github.com/cockpit-project/agent-bridge/internal/resource"
	"github.com/cockpit-project/agent-bridge/internal/transport"
)

func writePackage(t *testing.T, root, name, manifest string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(manifest), 0o644))
	for relPath, content := range files {
		full := filepath.Join(dir, relPath)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func setup(t *testing.T, idx *pkgindex.Index) (peer net.Conn, stop func()) {
	t.Helper()
	a, b := net.Pipe()
	tr := transport.New(pipe.NewConn("test", a), 0)
	factories := map[string]channel.Factory{
		"resource1": resource.NewFactory(logger.DefaultSlog, idx, "resources"),
	}
	mux := channel.New(tr, factories, nil, logger.DefaultSlog)

	ctx, cancel := context.WithCancel(context.Background())
	go mux.Run(ctx)

	return b, func() {
		cancel()
		_ = b.Close()
	}
}

func readFrame(t *testing.T, peer net.Conn) frame.Frame {
	t.Helper()
	dec := frame.NewDecoder(0)
	buf := make([]byte, 4096)
	for {
		_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := peer.Read(buf)
		require.NoError(t, err)
		frames, err := dec.Feed(buf[:n])
		require.NoError(t, err)
		if len(frames) > 0 {
			return frames[0]
		}
	}
}

func writeFrame(t *testing.T, peer net.Conn, channelID string, body []byte) {
	t.Helper()
	_, err := peer.Write(frame.Encode(channelID, body))
	require.NoError(t, err)
}

func writeControl(t *testing.T, peer net.Conn, msg map[string]interface{}) {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	writeFrame(t, peer, frame.ControlChannel, body)
}

func newIndex(t *testing.T, root string) *pkgindex.Index {
	t.Helper()

	return pkgindex.NewIndex(context.Background(), "", []string{root}, logger.DefaultSlog, 0)
}

func TestListingFormClosesWithResultsUnderConfiguredField(t *testing.T) {
	root := t.TempDir()
	writePackage(t, root, "base", `{}`, nil)
	idx := newIndex(t, root)

	peer, stop := setup(t, idx)
	defer stop()

	readFrame(t, peer) // init
	writeControl(t, peer, map[string]interface{}{"command": "init", "version": 1})
	writeControl(t, peer, map[string]interface{}{"command": "open", "channel": "1", "payload": "resource1"})

	f := readFrame(t, peer)
	var ready map[string]interface{}
	require.NoError(t, json.Unmarshal(f.Payload, &ready))
	assert.Equal(t, "ready", ready["command"])

	f = readFrame(t, peer)
	var closed map[string]interface{}
	require.NoError(t, json.Unmarshal(f.Payload, &closed))
	assert.Equal(t, "close", closed["command"])
	assert.Contains(t, closed, "resources")
}

func TestStreamingFormSendsDataThenClosesCleanly(t *testing.T) {
	root := t.TempDir()
	writePackage(t, root, "base", `{}`, map[string]string{"data.txt": "hello world"})
	idx := newIndex(t, root)

	peer, stop := setup(t, idx)
	defer stop()

	readFrame(t, peer) // init
	writeControl(t, peer, map[string]interface{}{"command": "init", "version": 1})
	writeControl(t, peer, map[string]interface{}{
		"command": "open", "channel": "1", "payload": "resource1",
		"package": "base", "path": "data.txt",
	})

	f := readFrame(t, peer)
	var ready map[string]interface{}
	require.NoError(t, json.Unmarshal(f.Payload, &ready))
	assert.Equal(t, "ready", ready["command"])

	data := readFrame(t, peer)
	assert.Equal(t, "1", data.Channel)
	assert.Equal(t, "hello world", string(data.Payload))

	f = readFrame(t, peer)
	var closed map[string]interface{}
	require.NoError(t, json.Unmarshal(f.Payload, &closed))
	assert.Equal(t, "close", closed["command"])
	assert.NotContains(t, closed, "problem")
}

func TestStreamingFormUnknownPathIsNotFound(t *testing.T) {
	root := t.TempDir()
	writePackage(t, root, "base", `{}`, nil)
	idx := newIndex(t, root)

	peer, stop := setup(t, idx)
	defer stop()

	readFrame(t, peer) // init
	writeControl(t, peer, map[string]interface{}{"command": "init", "version": 1})
	writeControl(t, peer, map[string]interface{}{
		"command": "open", "channel": "1", "payload": "resource1",
		"package": "base", "path": "missing.txt",
	})

	f := readFrame(t, peer)
	var closed map[string]interface{}
	require.NoError(t, json.Unmarshal(f.Payload, &closed))
	assert.Equal(t, "close", closed["command"])
	assert.Equal(t, "not-found", closed["problem"])
}

func TestStreamingFormHostSuffixIsStripped(t *testing.T) {
	root := t.TempDir()
	writePackage(t, root, "base", `{}`, map[string]string{"data.txt": "hi"})
	idx := newIndex(t, root)

	peer, stop := setup(t, idx)
	defer stop()

	readFrame(t, peer) // init
	writeControl(t, peer, map[string]interface{}{"command": "init", "version": 1})
	writeControl(t, peer, map[string]interface{}{
		"command": "open", "channel": "1", "payload": "resource1",
		"package": "base@otherhost", "path": "data.txt",
	})

	f := readFrame(t, peer)
	var ready map[string]interface{}
	require.NoError(t, json.Unmarshal(f.Payload, &ready))
	assert.Equal(t, "ready", ready["command"])

	data := readFrame(t, peer)
	assert.Equal(t, "hi", string(data.Payload))
}
