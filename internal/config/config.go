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

// Package config loads the bridge's tuning knobs from the environment into
// an explicit struct, threaded into constructors rather than read as global
// state (spec §9 "Global mutable state").
package config

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ezex-io/gopkg/env"

	"github.com/cockpit-project/agent-bridge/internal/pipe"
)

// Config holds every environment-tunable knob the bridge process needs at
// startup. Zero value is not meaningful; always build one with Load.
type Config struct {
	// DataHome is XDG_DATA_HOME: where user packages live (checksums not
	// computed for this tree, spec §4.7 "User packages").
	DataHome string
	// DataDirs is XDG_DATA_DIRS, in precedence order: earlier entries win
	// on a name collision (spec §4.7 "Discover").
	DataDirs []string

	// MaxFrameSize bounds a single inbound frame (spec §8 "A frame larger
	// than the configured maximum closes T with protocol-error"). 0 or less
	// selects frame.DefaultMaxSize.
	MaxFrameSize int

	// HighWaterMark/LowWaterMark are read from COCKPIT_HIGH_WATER and
	// COCKPIT_LOW_WATER (spec §5 "Resource policy"). Pipes do not read
	// them; every pipe is built with pipe.DefaultHighWater/DefaultLowWater.
	HighWaterMark int64
	LowWaterMark  int64

	// DefaultWindow is the PTY size used when an open omits `window`
	// (spec §4.5).
	DefaultWindow pipe.Window

	// CloseGrace is read from COCKPIT_CLOSE_GRACE. No component reads it:
	// Transport.Close waits for the peer with no time bound and never
	// forces the connection down.
	CloseGrace time.Duration
}

const (
	defaultDataDirs     = "/usr/share:/usr/local/share"
	defaultMaxFrameSize = 256 * 1024 * 1024
	defaultHighWater    = 4 * 1024 * 1024
	defaultLowWater     = 1 * 1024 * 1024
	defaultCloseGrace   = 5 * time.Second
)

// Load reads XDG_DATA_HOME, XDG_DATA_DIRS and the bridge's own tuning
// variables, applying the same defaults the upstream bridge process ships
// with. XDG_DATA_DIRS is colon-separated per the XDG basedir spec, not the
// comma-separated list env.GetEnv[[]string] assumes, so it's read as a
// string and split by hand.
func Load() Config {
	dataDirsRaw := env.GetEnv[string]("XDG_DATA_DIRS", env.WithDefault(defaultDataDirs))

	return Config{
		DataHome:      env.GetEnv[string]("XDG_DATA_HOME", env.WithDefault("")),
		DataDirs:      splitNonEmpty(dataDirsRaw, ":"),
		MaxFrameSize:  env.GetEnv[int]("COCKPIT_MAX_FRAME_SIZE", env.WithDefault(strconv.Itoa(defaultMaxFrameSize))),
		HighWaterMark: int64(env.GetEnv[int]("COCKPIT_HIGH_WATER", env.WithDefault(strconv.Itoa(defaultHighWater)))),
		LowWaterMark:  int64(env.GetEnv[int]("COCKPIT_LOW_WATER", env.WithDefault(strconv.Itoa(defaultLowWater)))),
		DefaultWindow: pipe.DefaultWindow,
		CloseGrace:    env.GetEnv[time.Duration]("COCKPIT_CLOSE_GRACE", env.WithDefault(defaultCloseGrace.String())),
	}
}

// packageDirSuffix is appended to every discovery root (spec §4.7
// "Discovery": "${XDG_DATA_HOME}/cockpit" and each XDG_DATA_DIRS entry
// "suffixed with /cockpit"). Kept separate from DataHome/DataDirs so those
// fields still report the raw XDG values a caller might want for other
// purposes.
const packageDirSuffix = "cockpit"

// PackageUserDir returns the user package discovery root, or "" if
// DataHome is unset (spec §4.7 "Discovery").
func (c Config) PackageUserDir() string {
	if c.DataHome == "" {
		return ""
	}

	return filepath.Join(c.DataHome, packageDirSuffix)
}

// PackageSystemDirs returns each DataDirs entry suffixed with /cockpit, in
// the same precedence order (spec §4.7 "Discovery").
func (c Config) PackageSystemDirs() []string {
	dirs := make([]string, len(c.DataDirs))
	for i, d := range c.DataDirs {
		dirs[i] = filepath.Join(d, packageDirSuffix)
	}

	return dirs
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(s, sep) {
		if part != "" {
			out = append(out, part)
		}
	}

	return out
}
