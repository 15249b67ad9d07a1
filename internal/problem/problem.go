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

// Package problem implements the bridge's close-reason taxonomy (spec §6,
// §7). Every terminal condition a transport or channel can hit is reduced to
// one of a small set of stable string codes the remote peer already knows
// how to render, plus free-form metadata for logging.
package problem

// Code is one of the stable strings from the protocol's problem taxonomy.
// It is what ends up in a close frame's "problem" field, verbatim.
type Code string

const (
	ProtocolError      Code = "protocol-error"
	NotSupported       Code = "not-supported"
	NotFound           Code = "not-found"
	NotAuthorized      Code = "not-authorized"
	AccessDenied       Code = "access-denied"
	AuthenticationFail Code = "authentication-failed"
	UnknownHost        Code = "unknown-host"
	UnknownHostKey     Code = "unknown-hostkey"
	InvalidHostKey     Code = "invalid-hostkey"
	NoHost             Code = "no-host"
	NoCockpit          Code = "no-cockpit"
	Terminated         Code = "terminated"
	Disconnected       Code = "disconnected"
	InternalError      Code = "internal-error"
)

// Problem is a structured error carrying a taxonomy code, a human message
// and arbitrary metadata (e.g. the channel id, a syscall errno name).
type Problem struct {
	Code    Code
	Message string
	Meta    map[string]string
}

// New creates a Problem. message may be empty; callers are expected to fill
// it in for anything that will be logged or surfaced to a human.
func New(code Code, message string) *Problem {
	return &Problem{
		Code:    code,
		Message: message,
		Meta:    make(map[string]string),
	}
}

// AddMeta attaches key/value metadata, mutating and returning the receiver
// so calls can be chained: problem.New(...).AddMeta("channel", id).
func (p *Problem) AddMeta(keyVal ...string) *Problem {
	if len(keyVal)%2 != 0 {
		p.Meta["error"] = "invalid meta key/value args"

		return p
	}
	for i := 0; i < len(keyVal); i += 2 {
		p.Meta[keyVal[i]] = keyVal[i+1]
	}

	return p
}

func (p *Problem) Error() string {
	if p.Message == "" {
		return string(p.Code)
	}

	return p.Message
}

// As reports whether err (or something it wraps) is a *Problem and, if so,
// returns it. It mirrors errors.As without pulling in reflection for the one
// concrete type this package deals in.
func As(err error) (*Problem, bool) {
	type causer interface{ Unwrap() error }
	for err != nil {
		if p, ok := err.(*Problem); ok {
			return p, true
		}
		c, ok := err.(causer)
		if !ok {
			return nil, false
		}
		err = c.Unwrap()
	}

	return nil, false
}
