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

package fuse

import (
	"context"
	"sort"
	"sync"

	"github.com/kurafs/mountfs/pkg/log"
	"github.com/kurafs/mountfs/pkg/vfs"
)

// firstFd is the first descriptor number handed out, after the standard
// streams.
const firstFd = 3

// DeviceTable plays the role of /dev/fuse: opening it creates a fresh
// connection, and the descriptor number is what the fd= mount option
// refers to.
type DeviceTable struct {
	logger *log.Logger

	mu       sync.Mutex
	nextFd   int
	nextConn uint64
	devs     map[int]*Dev
}

// NewDeviceTable returns an empty device table.
func NewDeviceTable(logger *log.Logger) *DeviceTable {
	return &DeviceTable{
		logger:   logger,
		nextFd:   firstFd,
		nextConn: 1,
		devs:     make(map[int]*Dev),
	}
}

// Open opens the device, creating a new connection.
func (t *DeviceTable) Open() *Dev {
	t.mu.Lock()
	c := newConn(t.nextConn, t.logger)
	t.nextConn++
	t.mu.Unlock()
	return t.install(c)
}

func (t *DeviceTable) install(c *Conn) *Dev {
	c.acquire()
	t.mu.Lock()
	defer t.mu.Unlock()
	d := &Dev{table: t, fd: t.nextFd, conn: c}
	t.nextFd++
	t.devs[d.fd] = d
	return d
}

// Get returns the open device with descriptor fd.
func (t *DeviceTable) Get(fd int) (*Dev, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devs[fd]
	if !ok {
		return nil, vfs.ErrBadHandle
	}
	return d, nil
}

// Fds lists the open descriptors in ascending order.
func (t *DeviceTable) Fds() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fds := make([]int, 0, len(t.devs))
	for fd := range t.devs {
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	return fds
}

func (t *DeviceTable) remove(d *Dev) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.devs[d.fd] != d {
		return false
	}
	delete(t.devs, d.fd)
	return true
}

// Dev is an open descriptor of the FUSE device. The daemon reads requests
// from it and writes replies to it; several descriptors may share one
// connection through Clone.
type Dev struct {
	table *DeviceTable
	fd    int
	conn  *Conn
}

// Fd returns the descriptor number.
func (d *Dev) Fd() int { return d.fd }

// Conn returns the connection behind the descriptor.
func (d *Dev) Conn() *Conn { return d.conn }

func (d *Dev) open() bool {
	got, err := d.table.Get(d.fd)
	return err == nil && got == d
}

// Clone opens a new descriptor on the same connection, letting several
// daemon threads read requests in parallel.
func (d *Dev) Clone() (*Dev, error) {
	if !d.open() {
		return nil, vfs.ErrBadHandle
	}
	return d.table.install(d.conn), nil
}

// Read copies the next request into p, blocking until one is available.
func (d *Dev) Read(ctx context.Context, p []byte) (int, error) {
	if !d.open() {
		return 0, vfs.ErrBadHandle
	}
	return d.conn.read(ctx, p)
}

// Write delivers one reply. p must hold exactly one message.
func (d *Dev) Write(p []byte) (int, error) {
	if !d.open() {
		return 0, vfs.ErrBadHandle
	}
	return d.conn.write(p)
}

// Close closes the descriptor. Closing the last descriptor of a mounted
// connection aborts it.
func (d *Dev) Close() error {
	if !d.table.remove(d) {
		return vfs.ErrBadHandle
	}
	d.conn.release()
	return nil
}
