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

package vfs

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Options are parsed mount options, e.g. "ro,mode=0755,lowerdir=/a:/b".
// Flags without a value map to the empty string.
type Options map[string]string

// ParseOptions parses a comma-separated mount option string. Later
// occurrences of a key override earlier ones.
func ParseOptions(s string) (Options, error) {
	opts := make(Options)
	for _, kv := range strings.Split(s, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		k, v := kv, ""
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k, v = kv[:i], kv[i+1:]
		}
		if k == "" {
			return nil, fmt.Errorf("mount option %q: %w", kv, ErrInvalid)
		}
		opts[k] = v
	}
	return opts, nil
}

// Has reports whether key was given.
func (o Options) Has(key string) bool {
	_, ok := o[key]
	return ok
}

// Get returns the value of key, or def if absent.
func (o Options) Get(key, def string) string {
	if v, ok := o[key]; ok {
		return v
	}
	return def
}

// Uint parses key as an unsigned integer in the given base, returning def
// when absent.
func (o Options) Uint(key string, base int, def uint64) (uint64, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseUint(v, base, 64)
	if err != nil {
		return 0, fmt.Errorf("mount option %s=%q: %w", key, v, ErrInvalid)
	}
	return n, nil
}

// Size parses key as a byte count with an optional k, m or g suffix.
func (o Options) Size(key string, def uint64) (uint64, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	mult := uint64(1)
	if n := len(v); n > 0 {
		switch v[n-1] {
		case 'k', 'K':
			mult, v = 1<<10, v[:n-1]
		case 'm', 'M':
			mult, v = 1<<20, v[:n-1]
		case 'g', 'G':
			mult, v = 1<<30, v[:n-1]
		}
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("mount option %s=%q: %w", key, o[key], ErrInvalid)
	}
	return n * mult, nil
}

func (o Options) String() string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		if v := o[k]; v != "" {
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	return b.String()
}
