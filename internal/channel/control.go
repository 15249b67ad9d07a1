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

package channel

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/cockpit-project/agent-bridge/internal/problem"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// control is the generic shape of every control frame (spec §6): a
// discriminating "command" plus a grab-bag of command-specific fields. Using
// a map rather than one struct per command mirrors how loosely the wire
// format is actually typed — most fields are optional and payload-specific.
type control map[string]interface{}

func newControl(command string) control {
	return control{"command": command}
}

func (c control) withChannel(id string) control {
	c["channel"] = id

	return c
}

func (c control) command() string {
	s, _ := c["command"].(string)

	return s
}

func (c control) channel() string {
	s, _ := c["channel"].(string)

	return s
}

func (c control) str(key string) (string, bool) {
	s, ok := c[key].(string)

	return s, ok
}

func decodeControl(body []byte) (control, error) {
	var c control
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, problem.New(problem.ProtocolError, "malformed control frame: "+err.Error())
	}
	if _, ok := c["command"].(string); !ok {
		return nil, problem.New(problem.ProtocolError, "control frame missing command")
	}

	return c, nil
}

func encodeControl(c control) []byte {
	b, err := json.Marshal(c)
	if err != nil {
		// c is always built from JSON-safe values (strings, numbers, maps
		// of the same); a marshal failure here means a caller stashed
		// something it should not have.
		panic("channel: control frame not marshalable: " + err.Error())
	}

	return b
}

// closeControl builds the terminal "close" frame for a channel (spec §4.2
// "Outbound close emission"): channel id, optional problem, and whatever
// side-channel options (exit-status, message, ...) the kind accumulated.
func closeControl(id string, prob *problem.Problem, options map[string]interface{}) control {
	c := newControl("close").withChannel(id)
	if prob != nil {
		c["problem"] = string(prob.Code)
		if prob.Message != "" {
			c["message"] = prob.Message
		}
	}
	for k, v := range options {
		if _, reserved := c[k]; reserved {
			continue
		}
		c[k] = v
	}

	return c
}
