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

package pipe

import (
	"errors"
	"os"
	"syscall"

	"github.com/cockpit-project/agent-bridge/internal/problem"
)

// classifyErrno maps a syscall-level failure to a problem code the same way
// the C original's get_error_problem table does: a small set of expected
// errnos get a specific taxonomy code, everything else collapses to
// internal-error. Connect and Spawn each layer their own exec/dial-specific
// wrapping (ErrNotFound, os.PathError) on top of this.
func classifyErrno(err error) *problem.Problem {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EPERM, syscall.EACCES:
			return problem.New(problem.NotAuthorized, err.Error())
		case syscall.ENOENT:
			return problem.New(problem.NotFound, err.Error())
		case syscall.EISDIR, syscall.ENAMETOOLONG, syscall.ELOOP, syscall.EINVAL:
			return problem.New(problem.NotFound, err.Error())
		}
	}
	if errors.Is(err, os.ErrNotExist) {
		return problem.New(problem.NotFound, err.Error())
	}
	if errors.Is(err, os.ErrPermission) {
		return problem.New(problem.NotAuthorized, err.Error())
	}

	return problem.New(problem.InternalError, err.Error())
}
