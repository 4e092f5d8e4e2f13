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
	"bytes"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"regexp"
	"strings"
)

var (
	fileNameRegex   = regexp.MustCompile(`^[\w\-]+\.go$`)
	lineNumberRegex = regexp.MustCompile(`^\d+$`)
)

// CommandFlags are the logging flags shared by every server command:
//
//     -log-dir, -suppress-stderr, -log-mode, -log-filter, -log-backtrace-at
type CommandFlags struct {
	Dir            string
	SuppressStderr bool
	Mode           ModeFlag
	Filter         FilterFlag
	Backtrace      BacktraceFlag
}

// Register defines the logging flags on fs.
func (f *CommandFlags) Register(fs *flag.FlagSet) {
	fs.StringVar(&f.Dir, "log-dir", "",
		"Write log files to the specified directory")
	fs.BoolVar(&f.SuppressStderr, "suppress-stderr", false,
		"Suppress standard error logging")
	fs.Var(&f.Mode, "log-mode",
		"Log mode for logs emitted globally (can be overridden using -log-filter)")
	fs.Var(&f.Filter, "log-filter",
		"Comma-separated list of pattern:level settings for file-filtered logging")
	fs.Var(&f.Backtrace, "log-backtrace-at",
		"Comma-separated list of filename:N settings to emit backtraces")
}

// Logger applies the parsed global settings and builds the command's logger:
// rotated files under Dir (if set) and standard error (unless suppressed),
// with long-file headers relative to the repository root.
func (f *CommandFlags) Logger() *Logger {
	if f.Mode.set {
		SetGlobalLogMode(f.Mode.m)
	}
	for _, flm := range f.Filter {
		SetFileLogMode(flm.fname, flm.fmode)
	}
	for _, tp := range f.Backtrace {
		SetTracePoint(tp)
	}

	var writer io.Writer = ioutil.Discard
	if f.Dir != "" {
		writer = LogRotationWriter(f.Dir, 50<<20 /* 50 MiB */)
	}
	if !f.SuppressStderr {
		writer = MultiWriter(writer, os.Stderr)
	}
	writer = SynchronizedWriter(writer)
	logf := Ldate | Ltime | Lmicroseconds | Llongfile | LUTC | Lmode
	return New(Writer(writer), Flags(logf), SkipBasePath())
}

// ModeFlag is a flag.Value for a '|'-separated set of log modes, e.g.
// "info|warn|error".
type ModeFlag struct {
	m   Mode
	set bool
}

func (l *ModeFlag) String() string {
	return ModeString(l.m)
}

func (l *ModeFlag) Set(value string) error {
	m, err := ParseMode(value)
	if err != nil {
		return err
	}
	l.m, l.set = m, true
	return nil
}

type fileLogMode struct {
	fname string
	fmode Mode
}

// FilterFlag is a flag.Value for per-file log modes, e.g.
// "conn.go:debug,mount.go:warn|error".
type FilterFlag []fileLogMode

func (l *FilterFlag) String() string {
	var buf bytes.Buffer
	buf.WriteString("[")
	for i, flm := range *l {
		if i > 0 {
			buf.WriteString(" ")
		}
		buf.WriteString(fmt.Sprintf("%s:%s", flm.fname, ModeString(flm.fmode)))
	}
	buf.WriteString("]")
	return buf.String()
}

func (l *FilterFlag) Set(value string) error {
	for _, f := range strings.Split(value, ",") {
		f := strings.Split(f, ":")
		if len(f) != 2 {
			return fmt.Errorf("improperly formatted filter: %s, expected fname.go:mode", f)
		}

		fname, mode := f[0], f[1]
		if !fileNameRegex.MatchString(fname) {
			return fmt.Errorf("expected filename '%s' to match the regex '%s'", fname, fileNameRegex)
		}
		fmode, err := ParseMode(mode)
		if err != nil {
			return err
		}
		*l = append(*l, fileLogMode{fname: fname, fmode: fmode})
	}
	return nil
}

// BacktraceFlag is a flag.Value for trace points, e.g. "conn.go:120".
type BacktraceFlag []string

func (l *BacktraceFlag) String() string {
	return fmt.Sprint([]string(*l))
}

func (l *BacktraceFlag) Set(value string) error {
	for _, f := range strings.Split(value, ",") {
		f := strings.Split(f, ":")
		if len(f) != 2 {
			return fmt.Errorf("improperly formatted trace point: %s, expected fname.go:line", f)
		}

		fname, lnumber := f[0], f[1]
		if !fileNameRegex.MatchString(fname) {
			return fmt.Errorf("expected filename '%s' to match the regex '%s'", fname, fileNameRegex)
		}
		if !lineNumberRegex.MatchString(lnumber) {
			return fmt.Errorf("expected line number '%s' to match the regex '%s'", lnumber, lineNumberRegex)
		}
		*l = append(*l, fmt.Sprintf("%s:%s", fname, lnumber))
	}
	return nil
}

// ParseMode parses a '|'-separated list of modes. "disabled" clears every
// mode.
func ParseMode(value string) (Mode, error) {
	var m Mode
	for _, mode := range strings.Split(value, "|") {
		switch mode {
		case "info":
			m |= InfoMode
		case "debug":
			m |= DebugMode
		case "warn":
			m |= WarnMode
		case "error":
			m |= ErrorMode
		case "disabled":
			return DisabledMode, nil
		default:
			return m, fmt.Errorf("unrecognized mode: %q", mode)
		}
	}
	return m, nil
}

// ModeString is the inverse of ParseMode.
func ModeString(m Mode) string {
	if m == DisabledMode {
		return "disabled"
	}

	var modes []string
	if (m & InfoMode) != DisabledMode {
		modes = append(modes, "info")
	}
	if (m & WarnMode) != DisabledMode {
		modes = append(modes, "warn")
	}
	if (m & ErrorMode) != DisabledMode {
		modes = append(modes, "error")
	}
	if (m & DebugMode) != DisabledMode {
		modes = append(modes, "debug")
	}
	return strings.Join(modes, "|")
}
