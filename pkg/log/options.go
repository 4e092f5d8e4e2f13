// Copyright 2018 The Kura Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"io"
	"path/filepath"
	"runtime"
	"strings"
)

// Flag controls the header prepended to each log line.
type Flag int

// The bits mirror those of the standard library's log package, with Lmode
// prepending the single-letter log mode (I, W, E, F, D).
const (
	Ldate         Flag = 1 << iota // the date in the local time zone: 180419
	Ltime                          // the time in the local time zone: 06:33:04
	Lmicroseconds                  // microsecond resolution: 06:33:04.606396, assumes Ltime
	Llongfile                      // full file name and line number: /a/b/c/d.go:23
	Lshortfile                     // final file name element and line number: d.go:23, overrides Llongfile
	LUTC                           // if Ldate or Ltime is set, use UTC rather than the local time zone
	Lmode                          // the log mode of the message

	LstdFlags = Lmode | Ldate | Ltime | Lmicroseconds | Lshortfile
)

type option func(*Logger)

// Writer sets the destination of the logger's output.
func Writer(w io.Writer) option {
	return func(l *Logger) {
		l.w = w
	}
}

// Flags sets the header format, see Flag.
func Flags(f Flag) option {
	return func(l *Logger) {
		l.flag = f
	}
}

// SkipBasePath trims the repository root from file names printed under
// Llongfile, so that pkg/vfs/mount.go:42 is printed instead of the absolute
// build path.
func SkipBasePath() option {
	return func(l *Logger) {
		l.basePath = basePath()
	}
}

// basePath derives the repository root from this file's own location,
// <root>/pkg/log/options.go.
func basePath() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return ""
	}
	dir := filepath.ToSlash(filepath.Dir(file))
	return strings.TrimSuffix(dir, "/pkg/log")
}
