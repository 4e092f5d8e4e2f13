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
	"errors"
	"sync"
	"time"

	"github.com/kurafs/mountfs/pkg/fuse/wire"
	"github.com/kurafs/mountfs/pkg/log"
	"github.com/kurafs/mountfs/pkg/vfs"
)

// State is the lifecycle state of a connection.
type State int32

const (
	// PreInit connections only deliver the INIT request; everything else
	// queues up behind it.
	PreInit State = iota
	Active
	// Disconnecting connections accept no new requests. In-flight ones
	// get a grace period, then FORGETs and DESTROY are sent.
	Disconnecting
	Destroyed
)

func (s State) String() string {
	switch s {
	case PreInit:
		return "pre-init"
	case Active:
		return "active"
	case Disconnecting:
		return "disconnecting"
	case Destroyed:
		return "destroyed"
	default:
		return "invalid"
	}
}

// maxPages bounds max_write when the daemon does not negotiate MAX_PAGES.
const (
	defaultMaxPages = 32
	maxMaxPages     = 256
	pageSize        = 4096
)

type request struct {
	unique uint64
	op     wire.Opcode
	frame  []byte
	done   chan result // Buffered; receives exactly one result.
}

type result struct {
	payload []byte
	err     error
}

// Conn is the kernel side of a FUSE connection: the request queues shared
// by every device cloned from the one it was opened on, and the state of
// the mount bound to it.
type Conn struct {
	id     uint64
	logger *log.Logger

	mu      sync.Mutex
	changed chan struct{} // Closed and replaced on every change.
	state   State
	err     error // Why the connection was destroyed.
	mounted bool
	devs    int
	next    uint64

	// Read priority: interrupts, then forgets, then ordinary requests.
	interrupts [][]byte
	forgets    [][]byte
	pending    []*request
	processing map[uint64]*request
	// Interrupted IDs whose replies, if they ever come, are dropped.
	dead map[uint64]struct{}

	// Negotiated at INIT.
	minor    uint32
	flags    wire.InitFlags
	maxWrite uint32
}

func newConn(id uint64, logger *log.Logger) *Conn {
	return &Conn{
		id:         id,
		logger:     logger.With("conn", id),
		changed:    make(chan struct{}),
		next:       2,
		processing: make(map[uint64]*request),
		dead:       make(map[uint64]struct{}),
		maxWrite:   wire.MinMaxWrite,
	}
}

// ID returns the connection's identifier, unique within its device table.
func (c *Conn) ID() uint64 { return c.id }

// State returns the connection's current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Flags returns the capabilities negotiated at INIT.
func (c *Conn) Flags() wire.InitFlags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags
}

// MaxWrite returns the largest payload of a single WRITE request.
func (c *Conn) MaxWrite() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxWrite
}

// Err returns the error requests fail with once the connection is
// destroyed, nil before that.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// broadcast wakes everyone waiting for a change. c.mu is held.
func (c *Conn) broadcast() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// wait blocks until cond holds, ctx is done or the deadline passes. cond is
// evaluated with c.mu held. It reports whether cond held.
func (c *Conn) wait(ctx context.Context, deadline time.Time, cond func() bool) bool {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for {
		c.mu.Lock()
		ok := cond()
		changed := c.changed
		c.mu.Unlock()
		if ok {
			return true
		}
		select {
		case <-changed:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// alloc returns a fresh unique ID. Ordinary IDs are even; an INTERRUPT
// carries the ID of its target with the low bit set. c.mu is held.
func (c *Conn) alloc() uint64 {
	u := c.next
	c.next += 2
	return u
}

// bind marks the connection mounted and queues INIT. A connection can back
// a single mount.
func (c *Conn) bind() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == Destroyed:
		return vfs.ErrConnectionClosed
	case c.mounted:
		return vfs.ErrInvalid
	case c.devs == 0:
		return vfs.ErrBadHandle
	}
	c.mounted = true
	r := &request{unique: c.alloc(), op: wire.OpInit, done: make(chan result, 1)}
	r.frame = wire.Request(wire.InHeader{Opcode: wire.OpInit, Unique: r.unique}, &wire.InitIn{
		Major:        wire.KernelVersion,
		Minor:        wire.KernelMinorVersion,
		MaxReadahead: defaultMaxPages * pageSize,
		Flags:        wire.KernelInitFlags,
	})
	c.pending = append(c.pending, r)
	c.broadcast()
	return nil
}

// closed returns the error for requests on a connection that accepts no
// more. c.mu is held.
func (c *Conn) closed() error {
	if c.err != nil {
		return c.err
	}
	return vfs.ErrConnectionClosed
}

// call sends a request and waits for its reply payload. Replies carrying an
// errno come back as the matching vfs error. If ctx is done first the
// request is withdrawn, or interrupted when the daemon already has it.
func (c *Conn) call(ctx context.Context, h wire.InHeader, args ...interface{}) ([]byte, error) {
	c.mu.Lock()
	if c.state == Destroyed || (c.state == Disconnecting && h.Opcode != wire.OpDestroy) {
		err := c.closed()
		c.mu.Unlock()
		return nil, err
	}
	r := &request{unique: c.alloc(), op: h.Opcode, done: make(chan result, 1)}
	h.Unique = r.unique
	r.frame = wire.Request(h, args...)
	c.pending = append(c.pending, r)
	c.broadcast()
	c.mu.Unlock()

	select {
	case res := <-r.done:
		return res.payload, res.err
	case <-ctx.Done():
		return c.cancel(r, ctx.Err())
	}
}

// cancel withdraws r after its caller gave up.
func (c *Conn) cancel(r *request, cause error) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case res := <-r.done:
		return res.payload, res.err
	default:
	}

	err := vfs.ErrInterrupted
	if errors.Is(cause, context.DeadlineExceeded) {
		err = vfs.ErrTimeout
	}
	for i, p := range c.pending {
		if p == r {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return nil, err
		}
	}
	if _, ok := c.processing[r.unique]; ok {
		delete(c.processing, r.unique)
		c.dead[r.unique] = struct{}{}
		c.interrupts = append(c.interrupts, wire.Request(
			wire.InHeader{Opcode: wire.OpInterrupt, Unique: r.unique | 1},
			&wire.InterruptIn{Unique: r.unique},
		))
		c.logger.Debugf("interrupting request %d (%v)", r.unique, r.op)
		c.broadcast()
	}
	return nil, err
}

// forget queues a FORGET for nlookup lookups of nodeid. No reply follows.
func (c *Conn) forget(nodeid, nlookup uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Destroyed {
		return
	}
	c.forgets = append(c.forgets, wire.Request(
		wire.InHeader{Opcode: wire.OpForget, Unique: c.alloc(), Nodeid: nodeid},
		&wire.ForgetIn{Nlookup: nlookup},
	))
	c.broadcast()
}

// read copies the next request into p, blocking until there is one. A
// buffer too small for it fails with ErrInvalid and leaves it queued.
func (c *Conn) read(ctx context.Context, p []byte) (int, error) {
	for {
		c.mu.Lock()
		n, ok, err := c.dequeue(p)
		changed := c.changed
		c.mu.Unlock()
		if ok || err != nil {
			return n, err
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// dequeue takes the next deliverable request. c.mu is held.
func (c *Conn) dequeue(p []byte) (int, bool, error) {
	if c.state == Destroyed {
		return 0, false, vfs.ErrConnectionClosed
	}
	if c.state == PreInit {
		for i, r := range c.pending {
			if r.op == wire.OpInit {
				return c.deliver(p, i)
			}
		}
		return 0, false, nil
	}
	for _, q := range []*[][]byte{&c.interrupts, &c.forgets} {
		if len(*q) == 0 {
			continue
		}
		frame := (*q)[0]
		if len(p) < len(frame) {
			return 0, false, vfs.ErrInvalid
		}
		*q = (*q)[1:]
		return copy(p, frame), true, nil
	}
	if len(c.pending) > 0 {
		return c.deliver(p, 0)
	}
	return 0, false, nil
}

// deliver hands pending request i to the daemon. c.mu is held.
func (c *Conn) deliver(p []byte, i int) (int, bool, error) {
	r := c.pending[i]
	if len(p) < len(r.frame) {
		return 0, false, vfs.ErrInvalid
	}
	c.pending = append(c.pending[:i], c.pending[i+1:]...)
	c.processing[r.unique] = r
	return copy(p, r.frame), true, nil
}

// write accepts a reply frame from the daemon.
func (c *Conn) write(p []byte) (int, error) {
	h, payload, err := wire.ParseOutHeader(p)
	if err != nil {
		return 0, vfs.ErrInvalid
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Destroyed {
		return 0, vfs.ErrConnectionClosed
	}
	switch {
	case h.Unique == 0:
		// Notifications.
		return 0, vfs.ErrNotSupported
	case h.Unique&1 == 1:
		// A reply to an INTERRUPT; the target has already been failed.
		return len(p), nil
	}
	if _, ok := c.dead[h.Unique]; ok {
		delete(c.dead, h.Unique)
		c.logger.Debugf("dropping reply to interrupted request %d", h.Unique)
		return len(p), nil
	}
	r, ok := c.processing[h.Unique]
	if !ok {
		return 0, vfs.ErrInvalid
	}
	rerr := wire.ReplyError(h)
	if errors.Is(rerr, wire.ErrMalformed) {
		return 0, vfs.ErrInvalid
	}
	delete(c.processing, h.Unique)

	res := result{err: rerr}
	if rerr == nil {
		res.payload = append([]byte(nil), payload...)
	}
	r.done <- res
	switch r.op {
	case wire.OpInit:
		c.initialized(res)
	case wire.OpDestroy:
		c.abort(vfs.ErrConnectionClosed)
	}
	c.broadcast()
	return len(p), nil
}

// initialized applies the daemon's INIT reply. c.mu is held.
func (c *Conn) initialized(res result) {
	err := res.err
	var out wire.InitOut
	if err == nil {
		// Older daemons send a shorter reply; the missing fields are zero.
		buf := make([]byte, wire.InitOutSize)
		copy(buf, res.payload)
		if len(res.payload) < 24 {
			err = wire.ErrMalformed
		} else {
			_, err = wire.Unmarshal(buf, &out)
		}
	}
	if err == nil && (out.Major != wire.KernelVersion || out.Minor < wire.MinMinorVersion) {
		err = vfs.ErrNotSupported
	}
	if err != nil {
		c.logger.Errorf("INIT failed: %v", err)
		c.abort(vfs.ErrConnectionLost)
		return
	}

	c.minor = out.Minor
	if c.minor > wire.KernelMinorVersion {
		c.minor = wire.KernelMinorVersion
	}
	c.flags = out.Flags & wire.KernelInitFlags
	pages := uint32(defaultMaxPages)
	if c.flags&wire.InitMaxPages != 0 && out.MaxPages > 0 {
		pages = uint32(out.MaxPages)
		if pages > maxMaxPages {
			pages = maxMaxPages
		}
	}
	c.maxWrite = out.MaxWrite
	if c.maxWrite < wire.MinMaxWrite {
		c.maxWrite = wire.MinMaxWrite
	}
	if c.maxWrite > pages*pageSize {
		c.maxWrite = pages * pageSize
	}
	c.state = Active
	c.logger.Infof("initialized: protocol %d.%d, max_write %d, flags %v",
		out.Major, c.minor, c.maxWrite, c.flags)
}

// abort destroys the connection, failing every queued and in-flight
// request with err. c.mu is held.
func (c *Conn) abort(err error) {
	if c.state == Destroyed {
		return
	}
	c.state, c.err = Destroyed, err
	for _, r := range c.pending {
		r.done <- result{err: err}
	}
	for _, r := range c.processing {
		r.done <- result{err: err}
	}
	c.pending, c.interrupts, c.forgets = nil, nil, nil
	c.processing = make(map[uint64]*request)
	c.dead = make(map[uint64]struct{})
	c.broadcast()
}

// shutdown runs the unmount sequence: stop accepting requests, give those
// in flight up to grace to finish, queue the FORGETs produced by flush,
// send DESTROY and wait up to grace for its reply. The connection is
// destroyed on return whatever the daemon does.
func (c *Conn) shutdown(ctx context.Context, grace time.Duration, flush func()) {
	c.mu.Lock()
	switch c.state {
	case Destroyed:
		c.mu.Unlock()
		return
	case PreInit:
		// The daemon never initialized; there is nobody to tell.
		c.abort(vfs.ErrConnectionClosed)
		c.mu.Unlock()
		return
	}
	c.state = Disconnecting
	c.broadcast()
	c.mu.Unlock()

	if !c.wait(ctx, time.Now().Add(grace), func() bool {
		return len(c.pending) == 0 && len(c.processing) == 0 || c.state == Destroyed
	}) {
		c.logger.Warnf("requests still in flight after %v", grace)
	}
	flush()

	dctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if _, err := c.call(dctx, wire.InHeader{Opcode: wire.OpDestroy}); err != nil {
		c.logger.Warnf("DESTROY: %v", err)
	}

	c.mu.Lock()
	c.abort(vfs.ErrConnectionClosed)
	c.mu.Unlock()
	c.logger.Infof("connection destroyed")
}

func (c *Conn) acquire() {
	c.mu.Lock()
	c.devs++
	c.mu.Unlock()
}

// release drops a device reference. Losing the last one while mounted
// means the daemon is gone, unless the connection was already being
// unmounted.
func (c *Conn) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devs--
	if c.devs > 0 || c.state == Destroyed {
		return
	}
	if c.mounted && c.state != Disconnecting {
		c.logger.Warnf("device closed while %v, connection lost", c.state)
		c.abort(vfs.ErrConnectionLost)
		return
	}
	c.abort(vfs.ErrConnectionClosed)
}
