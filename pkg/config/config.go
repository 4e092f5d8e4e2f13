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

// Package config reads the declarative mount table servers build their
// namespace from:
//
//     root:
//       type: tmpfs
//       options: size=64M
//     mounts:
//       - target: /data
//         type: boltfs
//         source: /var/lib/mountfs/data.db
//         mkdir: true
//       - target: /merged
//         type: overlay
//         options: lowerdir=/data,upperdir=/scratch
//
// Mounts are applied in order, so a mount may refer to the targets of the
// ones before it.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"path"

	"github.com/kurafs/mountfs/pkg/log"
	"github.com/kurafs/mountfs/pkg/vfs"
	yaml "gopkg.in/yaml.v3"
)

// Root describes the filesystem mounted at "/".
type Root struct {
	Type    string `yaml:"type"`
	Source  string `yaml:"source,omitempty"`
	Options string `yaml:"options,omitempty"`
}

// Mount is one entry of the table.
type Mount struct {
	Target  string `yaml:"target"`
	Type    string `yaml:"type"`
	Source  string `yaml:"source,omitempty"`
	Options string `yaml:"options,omitempty"`
	// Mkdir creates the target and any missing parents first.
	Mkdir bool `yaml:"mkdir,omitempty"`
}

// Table is a parsed mount table.
type Table struct {
	Root   Root    `yaml:"root"`
	Mounts []Mount `yaml:"mounts"`
}

// Parse decodes and validates a mount table. Unknown keys are errors.
func Parse(data []byte) (*Table, error) {
	var t Table
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("parsing mount table: %w", err)
	}
	if t.Root.Type == "" {
		t.Root.Type = "tmpfs"
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Load reads the mount table at filename.
func Load(filename string) (*Table, error) {
	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading mount table: %w", err)
	}
	return Parse(data)
}

// Validate checks that every mount names an absolute, clean target other
// than "/" and a type.
func (t *Table) Validate() error {
	for i, m := range t.Mounts {
		switch {
		case m.Target == "":
			return fmt.Errorf("mount %d: missing target", i)
		case !path.IsAbs(m.Target) || path.Clean(m.Target) != m.Target:
			return fmt.Errorf("mount %d: target %q is not a clean absolute path", i, m.Target)
		case m.Target == "/":
			return fmt.Errorf("mount %d: the root is configured under root:", i)
		case m.Type == "":
			return fmt.Errorf("mount %s: missing type", m.Target)
		}
	}
	return nil
}

// Namespace builds a namespace from the table: the root filesystem comes
// from registry and the mounts are applied on top.
func (t *Table) Namespace(ctx context.Context, logger *log.Logger, registry *vfs.Registry) (*vfs.Namespace, error) {
	opts, err := vfs.ParseOptions(t.Root.Options)
	if err != nil {
		return nil, fmt.Errorf("root: %w", err)
	}
	rootfs, err := registry.Instantiate(ctx, t.Root.Type, &vfs.MountData{
		Source:  t.Root.Source,
		Options: opts,
	})
	if err != nil {
		return nil, fmt.Errorf("root: %w", err)
	}
	ns := vfs.NewNamespace(logger, registry, rootfs)
	if err := t.Apply(ctx, ns); err != nil {
		return nil, err
	}
	return ns, nil
}

// Apply mounts the table's entries in ns. On error the entries already
// mounted are unmounted again, last first.
func (t *Table) Apply(ctx context.Context, ns *vfs.Namespace) error {
	var applied []*vfs.Mount
	for _, m := range t.Mounts {
		err := t.apply(ctx, ns, m, &applied)
		if err == nil {
			continue
		}
		for i := len(applied) - 1; i >= 0; i-- {
			if uerr := ns.UnmountMount(ctx, applied[i]); uerr != nil {
				err = fmt.Errorf("%w (undoing %s: %v)", err, applied[i].Target(), uerr)
			}
		}
		return err
	}
	return nil
}

func (t *Table) apply(ctx context.Context, ns *vfs.Namespace, m Mount, applied *[]*vfs.Mount) error {
	if m.Mkdir {
		if err := ns.MkdirAll(ctx, m.Target, 0755); err != nil && !errors.Is(err, vfs.ErrAlreadyExists) {
			return err
		}
	}
	mnt, err := ns.Mount(ctx, m.Source, m.Target, m.Type, m.Options)
	if err != nil {
		return err
	}
	*applied = append(*applied, mnt)
	return nil
}
