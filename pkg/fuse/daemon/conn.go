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

package daemon

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/kurafs/mountfs/pkg/fuse/wire"
	"github.com/kurafs/mountfs/pkg/log"
	"golang.org/x/sys/unix"
)

// Device is the daemon's end of a FUSE channel. Each Read returns exactly
// one request and each Write carries exactly one reply.
type Device interface {
	Read(ctx context.Context, p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Protocol is a FUSE protocol version.
type Protocol struct {
	Major uint32
	Minor uint32
}

func (p Protocol) String() string {
	return fmt.Sprintf("%d.%d", p.Major, p.Minor)
}

// LT returns whether a is less than b.
func (a Protocol) LT(b Protocol) bool {
	return a.Major < b.Major ||
		(a.Major == b.Major && a.Minor < b.Minor)
}

// GE returns whether a is greater than or equal to b.
func (a Protocol) GE(b Protocol) bool {
	return !a.LT(b)
}

var (
	minProtocol = Protocol{wire.KernelVersion, wire.MinMinorVersion}
	maxProtocol = Protocol{wire.KernelVersion, wire.KernelMinorVersion}
)

const (
	defaultMaxWrite = 128 << 10
	maxMaxWrite     = 1 << 20
)

type config struct {
	maxWrite     uint32
	maxReadahead uint32
	flags        wire.InitFlags
}

// An Option configures the INIT reply.
type Option func(*config) error

// MaxWrite sets the largest write the kernel may send. The kernel caps it
// further by the page count it negotiates.
func MaxWrite(n uint32) Option {
	return func(conf *config) error {
		if n < wire.MinMaxWrite || n > maxMaxWrite {
			return fmt.Errorf("fuse: max write %d out of range [%d, %d]", n, wire.MinMaxWrite, maxMaxWrite)
		}
		conf.maxWrite = n
		return nil
	}
}

// MaxReadahead sets the readahead the kernel may use.
func MaxReadahead(n uint32) Option {
	return func(conf *config) error {
		conf.maxReadahead = n
		return nil
	}
}

// InitFlags adds capabilities to request from the kernel. Only those the
// kernel offered are granted.
func InitFlags(f wire.InitFlags) Option {
	return func(conf *config) error {
		conf.flags |= f
		return nil
	}
}

// A Conn is the daemon side of an initialized FUSE connection.
type Conn struct {
	dev    Device
	logger *log.Logger
	wio    sync.Mutex

	// Negotiated with InitRequest/InitResponse.
	protocol Protocol
	flags    wire.InitFlags
	maxWrite uint32
}

// Init reads the kernel's INIT request from dev and answers it, returning
// a connection ready for ReadRequest.
func Init(ctx context.Context, logger *log.Logger, dev Device, options ...Option) (*Conn, error) {
	conf := config{
		maxWrite: defaultMaxWrite,
		flags:    wire.InitAsyncRead | wire.InitBigWrites | wire.InitMaxPages,
	}
	for _, option := range options {
		if err := option(&conf); err != nil {
			return nil, err
		}
	}
	c := &Conn{dev: dev, logger: logger, maxWrite: conf.maxWrite}
	if err := c.initialize(ctx, &conf); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conn) initialize(ctx context.Context, conf *config) error {
	req, err := c.ReadRequest(ctx)
	if err != nil {
		if err == io.EOF {
			return ErrClosedWithoutInit
		}
		return err
	}
	r, ok := req.(*InitRequest)
	if !ok {
		req.RespondError(unix.EIO)
		return fmt.Errorf("missing init, got: %T", req)
	}

	if r.Kernel.LT(minProtocol) || r.Kernel.Major != maxProtocol.Major {
		req.RespondError(unix.EPROTO)
		return &OldVersionError{
			Kernel:     r.Kernel,
			LibraryMin: minProtocol,
		}
	}

	protocol := maxProtocol
	if r.Kernel.LT(protocol) {
		// Kernel doesn't support the latest version we have.
		protocol = r.Kernel
	}
	c.protocol = protocol
	c.flags = r.Flags & conf.flags

	readahead := conf.maxReadahead
	if readahead == 0 || readahead > r.MaxReadahead {
		readahead = r.MaxReadahead
	}
	s := &InitResponse{
		Library:      protocol,
		MaxReadahead: readahead,
		MaxWrite:     c.maxWrite,
		Flags:        c.flags,
	}
	if c.flags&wire.InitMaxPages != 0 {
		s.MaxPages = uint16((c.maxWrite + pageSize - 1) / pageSize)
	}
	r.Respond(s)
	c.logger.Infof("initialized: protocol %v, max_write %d, flags %v", protocol, c.maxWrite, c.flags)
	return nil
}

const pageSize = 4096

// Protocol returns the negotiated protocol version.
func (c *Conn) Protocol() Protocol { return c.protocol }

// Flags returns the capabilities granted at INIT.
func (c *Conn) Flags() wire.InitFlags { return c.flags }

func (c *Conn) bufSize() int {
	return pageSize + wire.InHeaderSize + wire.WriteInSize + int(c.maxWrite)
}

// ReadRequest returns the next FUSE request from the kernel. io.EOF means
// the connection is gone.
//
// Caller must call either Request.Respond or Request.RespondError in
// a reasonable time, except for the requests that take no reply.
func (c *Conn) ReadRequest(ctx context.Context) (Request, error) {
	buf := make([]byte, c.bufSize())
	n, err := c.dev.Read(ctx, buf)
	if err != nil {
		if closed(err) {
			return nil, io.EOF
		}
		return nil, err
	}
	return c.parse(buf[:n])
}

func (c *Conn) respond(msg []byte) {
	c.wio.Lock()
	defer c.wio.Unlock()
	if _, err := c.dev.Write(msg); err != nil {
		// The kernel drops replies to requests it gave up on.
		if closed(err) {
			c.logger.Debugf("reply dropped: %v", err)
			return
		}
		c.logger.Errorf("kernel write error: %v", err)
	}
}
