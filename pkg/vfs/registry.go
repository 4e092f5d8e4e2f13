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
	"context"
	"fmt"
	"sort"
	"sync"
)

// MountData is what a filesystem constructor receives at mount time.
type MountData struct {
	Source  string
	Options Options

	// Lookup resolves a path in the namespace performing the mount. It is
	// nil when the filesystem is instantiated outside of any namespace.
	Lookup func(ctx context.Context, path string) (Node, error)
}

// Constructor instantiates a filesystem from mount data.
type Constructor func(ctx context.Context, data *MountData) (Filesystem, error)

// Registry maps filesystem type names onto constructors. It is populated
// explicitly during start-up and read on every mount thereafter.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register associates name with c. Registering a name twice is an error;
// the first registration stays in effect.
func (r *Registry) Register(name string, c Constructor) error {
	if name == "" || c == nil {
		return fmt.Errorf("register %q: %w", name, ErrInvalid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.constructors[name]; ok {
		return fmt.Errorf("register %q: %w", name, ErrFilesystemTypeExists)
	}
	r.constructors[name] = c
	return nil
}

// Instantiate constructs a filesystem of type name.
func (r *Registry) Instantiate(ctx context.Context, name string, data *MountData) (Filesystem, error) {
	r.mu.RLock()
	c, ok := r.constructors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownFilesystemType)
	}
	if data == nil {
		data = &MountData{}
	}
	if data.Options == nil {
		data.Options = make(Options)
	}
	return c(ctx, data)
}

// Types lists the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
