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
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kurafs/mountfs/pkg/fuse/wire"
	"github.com/kurafs/mountfs/pkg/log"
	"github.com/kurafs/mountfs/pkg/vfs"
	"golang.org/x/sys/unix"
)

// script drives the daemon end of a device by hand. Its methods must be
// called from the test goroutine.
type script struct {
	t   *testing.T
	dev *Dev
}

func (s *script) read() (wire.InHeader, []byte) {
	s.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	buf := make([]byte, 1<<16)
	n, err := s.dev.Read(ctx, buf)
	if err != nil {
		s.t.Fatal(fmt.Sprintf("reading request: %v", err))
	}
	h, body, err := wire.ParseInHeader(buf[:n])
	if err != nil {
		s.t.Fatal(err)
	}
	return h, body
}

func (s *script) expect(op wire.Opcode) (wire.InHeader, []byte) {
	s.t.Helper()
	h, body := s.read()
	if h.Opcode != op {
		s.t.Fatal(fmt.Sprintf("expected %v, got %v", op, h.Opcode))
	}
	return h, body
}

func (s *script) reply(unique uint64, args ...interface{}) {
	s.t.Helper()
	if _, err := s.dev.Write(wire.Reply(unique, args...)); err != nil {
		s.t.Fatal(fmt.Sprintf("writing reply: %v", err))
	}
}

func (s *script) fail(unique uint64, err error) {
	s.t.Helper()
	if _, werr := s.dev.Write(wire.ErrorReply(unique, err)); werr != nil {
		s.t.Fatal(fmt.Sprintf("writing reply: %v", werr))
	}
}

func (s *script) init(flags wire.InitFlags, maxWrite uint32) {
	s.t.Helper()
	h, _ := s.expect(wire.OpInit)
	s.reply(h.Unique, &wire.InitOut{
		Major:    wire.KernelVersion,
		Minor:    wire.KernelMinorVersion,
		Flags:    flags,
		MaxWrite: maxWrite,
	})
}

func entry(id uint64, typ vfs.FileType) *wire.EntryOut {
	return &wire.EntryOut{Nodeid: id, Attr: wire.Attr{Ino: id, Mode: typ.Mode() | 0644, Nlink: 1}}
}

func testConfig() Config {
	return Config{
		RootMode:       unix.S_IFDIR | 0755,
		MaxRead:        defaultMaxRead,
		DestroyTimeout: time.Second,
	}
}

func mount(t *testing.T) (*script, *FS) {
	t.Helper()
	devs := NewDeviceTable(log.Discarder())
	dev := devs.Open()
	fs, err := Mount(log.Discarder(), dev, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	return &script{t: t, dev: dev}, fs
}

type lookupResult struct {
	n   vfs.Node
	err error
}

func lookup(fs *FS, name string) chan lookupResult {
	ch := make(chan lookupResult, 1)
	go func() {
		n, err := fs.Root().Lookup(context.Background(), name)
		ch <- lookupResult{n, err}
	}()
	return ch
}

func TestRequestsHeldUntilInit(t *testing.T) {
	s, fs := mount(t)
	res := lookup(fs, "a")

	h, body := s.expect(wire.OpInit)
	var in wire.InitIn
	if _, err := wire.Unmarshal(body, &in); err != nil {
		t.Fatal(err)
	}
	if in.Major != 7 || in.Minor != 31 || in.Flags != wire.KernelInitFlags {
		t.Error(fmt.Sprintf("unexpected INIT: %+v", in))
	}
	if fs.Conn().State() != PreInit {
		t.Error(fmt.Sprintf("expected %v, got %v", PreInit, fs.Conn().State()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.dev.Read(ctx, make([]byte, 1<<16)); err != context.DeadlineExceeded {
		t.Fatal(fmt.Sprintf("expected nothing before INIT reply, got %v", err))
	}

	s.reply(h.Unique, &wire.InitOut{Major: 7, Minor: 31, MaxWrite: 1 << 20})
	h, body = s.expect(wire.OpLookup)
	if h.Nodeid != wire.RootID || string(body) != "a\x00" {
		t.Error(fmt.Sprintf("unexpected LOOKUP: node %d body %q", h.Nodeid, body))
	}
	s.reply(h.Unique, entry(5, vfs.TypeRegular))

	r := <-res
	if r.err != nil {
		t.Fatal(r.err)
	}
	if r.n.Ino() != 5 || r.n.Type() != vfs.TypeRegular {
		t.Error(fmt.Sprintf("unexpected node: ino %d type %v", r.n.Ino(), r.n.Type()))
	}
	if got := fs.Conn().State(); got != Active {
		t.Error(fmt.Sprintf("expected %v, got %v", Active, got))
	}
	if got := fs.Conn().MaxWrite(); got != defaultMaxPages*pageSize {
		t.Error(fmt.Sprintf("expected max_write capped at %d, got %d", defaultMaxPages*pageSize, got))
	}
}

func TestUniqueIDs(t *testing.T) {
	s, fs := mount(t)
	s.init(0, 4096)
	var ids []uint64
	for i := 0; i < 3; i++ {
		res := lookup(fs, "x")
		h, _ := s.expect(wire.OpLookup)
		s.fail(h.Unique, vfs.ErrNotFound)
		if r := <-res; r.err != vfs.ErrNotFound {
			t.Error(fmt.Sprintf("expected %v, got %v", vfs.ErrNotFound, r.err))
		}
		ids = append(ids, h.Unique)
	}
	for i, id := range ids {
		if id%2 != 0 {
			t.Error(fmt.Sprintf("request ID %d is odd", id))
		}
		if i > 0 && id <= ids[i-1] {
			t.Error(fmt.Sprintf("request IDs not increasing: %v", ids))
		}
	}
}

func TestOutOfOrderReplies(t *testing.T) {
	s, fs := mount(t)
	s.init(0, 4096)

	a := lookup(fs, "a")
	ha, _ := s.expect(wire.OpLookup)
	b := lookup(fs, "b")
	hb, _ := s.expect(wire.OpLookup)

	s.reply(hb.Unique, entry(11, vfs.TypeDir))
	rb := <-b
	if rb.err != nil || rb.n.Ino() != 11 || rb.n.Type() != vfs.TypeDir {
		t.Fatal(fmt.Sprintf("unexpected result for b: %+v", rb))
	}
	s.reply(ha.Unique, entry(10, vfs.TypeRegular))
	ra := <-a
	if ra.err != nil || ra.n.Ino() != 10 || ra.n.Type() != vfs.TypeRegular {
		t.Fatal(fmt.Sprintf("unexpected result for a: %+v", ra))
	}
}

func TestNegativeEntry(t *testing.T) {
	s, fs := mount(t)
	s.init(0, 4096)
	res := lookup(fs, "gone")
	h, _ := s.expect(wire.OpLookup)
	s.reply(h.Unique, &wire.EntryOut{})
	if r := <-res; r.err != vfs.ErrNotFound {
		t.Error(fmt.Sprintf("expected %v, got %v", vfs.ErrNotFound, r.err))
	}
}

func lookupFile(t *testing.T, s *script, fs *FS, name string, id uint64) vfs.Node {
	t.Helper()
	res := lookup(fs, name)
	h, _ := s.expect(wire.OpLookup)
	s.reply(h.Unique, entry(id, vfs.TypeRegular))
	r := <-res
	if r.err != nil {
		t.Fatal(r.err)
	}
	return r.n
}

func TestWriteSplitByMaxWrite(t *testing.T) {
	s, fs := mount(t)
	s.init(0, 4096)
	f := lookupFile(t, s, fs, "f", 7)

	data := bytes.Repeat([]byte("x"), 8192)
	done := make(chan error, 1)
	go func() {
		n, err := f.WriteAt(context.Background(), data, 100)
		if err == nil && n != len(data) {
			err = fmt.Errorf("short write: %d", n)
		}
		done <- err
	}()

	h, _ := s.expect(wire.OpOpen)
	s.reply(h.Unique, &wire.OpenOut{Fh: 42})
	for i := 0; i < 2; i++ {
		h, body := s.expect(wire.OpWrite)
		var in wire.WriteIn
		payload, err := wire.Unmarshal(body, &in)
		if err != nil {
			t.Fatal(err)
		}
		if in.Fh != 42 || in.Size != 4096 || in.Offset != uint64(100+i*4096) || len(payload) != 4096 {
			t.Fatal(fmt.Sprintf("unexpected WRITE %d: %+v with %d bytes", i, in, len(payload)))
		}
		s.reply(h.Unique, &wire.WriteOut{Size: in.Size})
	}
	h, body := s.expect(wire.OpRelease)
	var rel wire.ReleaseIn
	if _, err := wire.Unmarshal(body, &rel); err != nil || rel.Fh != 42 {
		t.Error(fmt.Sprintf("unexpected RELEASE: %+v, %v", rel, err))
	}
	s.reply(h.Unique)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestReadStopsAtShortReply(t *testing.T) {
	s, fs := mount(t)
	s.init(0, 4096)
	f := lookupFile(t, s, fs, "f", 7)

	type readResult struct {
		data []byte
		err  error
	}
	done := make(chan readResult, 1)
	go func() {
		buf := make([]byte, 64)
		n, err := f.ReadAt(context.Background(), buf, 0)
		done <- readResult{buf[:n], err}
	}()
	h, _ := s.expect(wire.OpOpen)
	s.reply(h.Unique, &wire.OpenOut{Fh: 1})
	h, body := s.expect(wire.OpRead)
	var in wire.ReadIn
	if _, err := wire.Unmarshal(body, &in); err != nil || in.Size != 64 {
		t.Fatal(fmt.Sprintf("unexpected READ: %+v, %v", in, err))
	}
	s.reply(h.Unique, []byte("hello"))
	h, _ = s.expect(wire.OpRelease)
	s.reply(h.Unique)

	r := <-done
	if r.err != nil || string(r.data) != "hello" {
		t.Error(fmt.Sprintf("expected %q, got %q (%v)", "hello", r.data, r.err))
	}
}

func TestReadDirSkipsDots(t *testing.T) {
	s, fs := mount(t)
	s.init(0, 4096)

	done := make(chan []vfs.Dirent, 1)
	go func() {
		ents, err := fs.Root().ReadDir(context.Background(), 0, 0)
		if err != nil {
			ents = nil
		}
		done <- ents
	}()
	h, _ := s.expect(wire.OpOpendir)
	s.reply(h.Unique, &wire.OpenOut{Fh: 3})

	var batch []byte
	for i, name := range []string{".", "..", "a", "bb"} {
		batch = wire.AppendDirent(batch, wire.Dirent{
			Ino:  uint64(10 + i),
			Off:  uint64(i + 1),
			Type: wire.DirentType(vfs.TypeRegular),
			Name: name,
		})
	}
	h, _ = s.expect(wire.OpReaddir)
	s.reply(h.Unique, batch)
	h, body := s.expect(wire.OpReaddir)
	var in wire.ReadIn
	if _, err := wire.Unmarshal(body, &in); err != nil || in.Offset != 4 || in.Fh != 3 {
		t.Fatal(fmt.Sprintf("unexpected READDIR: %+v, %v", in, err))
	}
	s.reply(h.Unique)
	h, _ = s.expect(wire.OpReleasedir)
	s.reply(h.Unique)

	ents := <-done
	if len(ents) != 2 || ents[0].Name != "a" || ents[1].Name != "bb" || ents[1].Next != 4 {
		t.Fatal(fmt.Sprintf("unexpected entries: %+v", ents))
	}
}

func TestForgetAfterUnlink(t *testing.T) {
	s, fs := mount(t)
	s.init(0, 4096)
	lookupFile(t, s, fs, "f", 9)
	lookupFile(t, s, fs, "f", 9)
	if got := fs.Lookups(9); got != 2 {
		t.Fatal(fmt.Sprintf("expected 2 lookups, got %d", got))
	}

	done := make(chan error, 1)
	go func() { done <- fs.Root().Unlink(context.Background(), "f") }()
	h, body := s.expect(wire.OpUnlink)
	if string(body) != "f\x00" {
		t.Error(fmt.Sprintf("unexpected UNLINK body %q", body))
	}
	s.reply(h.Unique)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	h, body = s.expect(wire.OpForget)
	var in wire.ForgetIn
	if _, err := wire.Unmarshal(body, &in); err != nil {
		t.Fatal(err)
	}
	if h.Nodeid != 9 || in.Nlookup != 2 {
		t.Error(fmt.Sprintf("expected FORGET of node 9 x2, got node %d x%d", h.Nodeid, in.Nlookup))
	}
	if got := fs.Lookups(9); got != 0 {
		t.Error(fmt.Sprintf("expected no lookups left, got %d", got))
	}
}

func TestDeviceCloseLosesConnection(t *testing.T) {
	s, fs := mount(t)
	s.init(0, 4096)

	res := lookup(fs, "a")
	s.expect(wire.OpLookup)
	if err := s.dev.Close(); err != nil {
		t.Fatal(err)
	}
	if r := <-res; r.err != vfs.ErrConnectionLost {
		t.Error(fmt.Sprintf("expected %v, got %v", vfs.ErrConnectionLost, r.err))
	}
	if _, err := fs.Root().Attr(context.Background()); err != vfs.ErrConnectionLost {
		t.Error(fmt.Sprintf("expected %v, got %v", vfs.ErrConnectionLost, err))
	}
	if err := s.dev.Close(); err != vfs.ErrBadHandle {
		t.Error(fmt.Sprintf("expected %v on second close, got %v", vfs.ErrBadHandle, err))
	}
}

func TestCloneSharesConnection(t *testing.T) {
	s, fs := mount(t)
	clone, err := s.dev.Clone()
	if err != nil {
		t.Fatal(err)
	}
	if clone.Fd() == s.dev.Fd() || clone.Conn() != s.dev.Conn() {
		t.Fatal("clone should get a new descriptor on the same connection")
	}
	if err := s.dev.Close(); err != nil {
		t.Fatal(err)
	}

	c := &script{t: t, dev: clone}
	c.init(0, 4096)
	lookupFile(t, c, fs, "f", 4)
	if err := clone.Close(); err != nil {
		t.Fatal(err)
	}
	if got := fs.Conn().Err(); got != vfs.ErrConnectionLost {
		t.Error(fmt.Sprintf("expected %v, got %v", vfs.ErrConnectionLost, got))
	}
}

func TestUnmountForgetsThenDestroys(t *testing.T) {
	s, fs := mount(t)
	s.init(0, 4096)
	lookupFile(t, s, fs, "f", 12)

	done := make(chan error, 1)
	go func() { done <- fs.Unmount(context.Background()) }()

	h, body := s.expect(wire.OpForget)
	var in wire.ForgetIn
	if _, err := wire.Unmarshal(body, &in); err != nil {
		t.Fatal(err)
	}
	if h.Nodeid != 12 || in.Nlookup != 1 {
		t.Error(fmt.Sprintf("expected FORGET of node 12 x1, got node %d x%d", h.Nodeid, in.Nlookup))
	}
	h, _ = s.expect(wire.OpDestroy)
	s.reply(h.Unique)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if got := fs.Conn().State(); got != Destroyed {
		t.Error(fmt.Sprintf("expected %v, got %v", Destroyed, got))
	}
	if _, err := fs.Root().Attr(context.Background()); err != vfs.ErrConnectionClosed {
		t.Error(fmt.Sprintf("expected %v, got %v", vfs.ErrConnectionClosed, err))
	}
	if _, err := s.dev.Read(context.Background(), make([]byte, 4096)); err != vfs.ErrConnectionClosed {
		t.Error(fmt.Sprintf("expected %v, got %v", vfs.ErrConnectionClosed, err))
	}
	if got := fs.LiveNodes(); got != 1 {
		t.Error(fmt.Sprintf("expected only the root left, got %d nodes", got))
	}
}

func TestHangUpAfterDestroy(t *testing.T) {
	for _, replied := range []bool{true, false} {
		s, fs := mount(t)
		s.init(0, 4096)

		done := make(chan error, 1)
		go func() { done <- fs.Unmount(context.Background()) }()

		h, _ := s.expect(wire.OpDestroy)
		if replied {
			s.reply(h.Unique)
		}
		if err := s.dev.Close(); err != nil {
			t.Fatal(err)
		}
		if err := <-done; err != nil {
			t.Error(fmt.Sprintf("replied=%t: expected clean unmount, got %v", replied, err))
		}
		if got := fs.Conn().Err(); got != vfs.ErrConnectionClosed {
			t.Error(fmt.Sprintf("replied=%t: expected %v, got %v", replied, vfs.ErrConnectionClosed, got))
		}
	}
}

func TestUnmountBeforeInit(t *testing.T) {
	_, fs := mount(t)
	if err := fs.Unmount(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := fs.Conn().State(); got != Destroyed {
		t.Error(fmt.Sprintf("expected %v, got %v", Destroyed, got))
	}
}

func TestInterrupt(t *testing.T) {
	s, fs := mount(t)
	s.init(0, 4096)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := fs.Root().Attr(ctx)
		done <- err
	}()
	h, _ := s.expect(wire.OpGetattr)
	cancel()

	ih, body := s.expect(wire.OpInterrupt)
	var in wire.InterruptIn
	if _, err := wire.Unmarshal(body, &in); err != nil {
		t.Fatal(err)
	}
	if in.Unique != h.Unique || ih.Unique != h.Unique|1 {
		t.Error(fmt.Sprintf("INTERRUPT %d targets %d, expected %d", ih.Unique, in.Unique, h.Unique))
	}
	if err := <-done; err != vfs.ErrInterrupted {
		t.Error(fmt.Sprintf("expected %v, got %v", vfs.ErrInterrupted, err))
	}

	// The late reply and the reply to the INTERRUPT are both accepted.
	s.reply(h.Unique, &wire.AttrOut{})
	s.fail(ih.Unique, vfs.ErrInterrupted)
	// A second reply with the same ID is unknown.
	if _, err := s.dev.Write(wire.Reply(h.Unique, &wire.AttrOut{})); err != vfs.ErrInvalid {
		t.Error(fmt.Sprintf("expected %v, got %v", vfs.ErrInvalid, err))
	}
}

func TestTimeoutBeforeDelivery(t *testing.T) {
	s, fs := mount(t)
	s.init(0, 4096)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := fs.Root().Attr(ctx); err != vfs.ErrTimeout {
		t.Fatal(fmt.Sprintf("expected %v, got %v", vfs.ErrTimeout, err))
	}
	// The withdrawn request is never delivered.
	rctx, rcancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer rcancel()
	if _, err := s.dev.Read(rctx, make([]byte, 4096)); err != context.DeadlineExceeded {
		t.Error(fmt.Sprintf("expected no request, got %v", err))
	}
}

func TestDeviceErrors(t *testing.T) {
	s, _ := mount(t)

	if _, err := s.dev.Read(context.Background(), make([]byte, 8)); err != vfs.ErrInvalid {
		t.Error(fmt.Sprintf("small buffer: expected %v, got %v", vfs.ErrInvalid, err))
	}
	// The request stays queued.
	s.init(0, 4096)

	frame := wire.Reply(100, &wire.AttrOut{})
	frame[0]++
	if _, err := s.dev.Write(frame); err != vfs.ErrInvalid {
		t.Error(fmt.Sprintf("length mismatch: expected %v, got %v", vfs.ErrInvalid, err))
	}
	if _, err := s.dev.Write(wire.Reply(100)); err != vfs.ErrInvalid {
		t.Error(fmt.Sprintf("unknown unique: expected %v, got %v", vfs.ErrInvalid, err))
	}
	if _, err := s.dev.Write(wire.Reply(0)); err != vfs.ErrNotSupported {
		t.Error(fmt.Sprintf("notification: expected %v, got %v", vfs.ErrNotSupported, err))
	}
	if _, err := Mount(log.Discarder(), s.dev, testConfig()); !errors.Is(err, vfs.ErrInvalid) {
		t.Error(fmt.Sprintf("second mount: expected %v, got %v", vfs.ErrInvalid, err))
	}
}

func TestInitRejected(t *testing.T) {
	s, fs := mount(t)
	res := lookup(fs, "a")
	h, _ := s.expect(wire.OpInit)
	s.reply(h.Unique, &wire.InitOut{Major: 6, Minor: 40})
	if r := <-res; r.err != vfs.ErrConnectionLost {
		t.Error(fmt.Sprintf("expected %v, got %v", vfs.ErrConnectionLost, r.err))
	}
	if got := fs.Conn().State(); got != Destroyed {
		t.Error(fmt.Sprintf("expected %v, got %v", Destroyed, got))
	}
}

func TestInitNegotiation(t *testing.T) {
	tests := []struct {
		flags    wire.InitFlags
		maxWrite uint32
		maxPages uint16
		expFlags wire.InitFlags
		expWrite uint32
	}{
		{0, 0, 0, 0, 4096},
		{0, 1 << 20, 0, 0, 32 * 4096},
		{wire.InitMaxPages, 1 << 20, 64, wire.InitMaxPages, 64 * 4096},
		{wire.InitMaxPages, 1 << 30, 1000, wire.InitMaxPages, 256 * 4096},
		{wire.InitAsyncRead | wire.InitPosixLocks, 8192, 0, wire.InitAsyncRead, 8192},
	}
	for _, tt := range tests {
		s, fs := mount(t)
		h, _ := s.expect(wire.OpInit)
		s.reply(h.Unique, &wire.InitOut{
			Major:    7,
			Minor:    31,
			Flags:    tt.flags,
			MaxWrite: tt.maxWrite,
			MaxPages: tt.maxPages,
		})
		if got := fs.Conn().Flags(); got != tt.expFlags {
			t.Error(fmt.Sprintf("flags %v: expected %v, got %v", tt.flags, tt.expFlags, got))
		}
		if got := fs.Conn().MaxWrite(); got != tt.expWrite {
			t.Error(fmt.Sprintf("max_write %d/%d pages: expected %d, got %d",
				tt.maxWrite, tt.maxPages, tt.expWrite, got))
		}
	}
}

func TestCreateFallsBackToMknod(t *testing.T) {
	s, fs := mount(t)
	s.init(0, 4096)

	create := func(name string) chan lookupResult {
		ch := make(chan lookupResult, 1)
		go func() {
			n, err := fs.Root().Create(context.Background(), name, 0600)
			ch <- lookupResult{n, err}
		}()
		return ch
	}

	res := create("a")
	h, _ := s.expect(wire.OpCreate)
	s.fail(h.Unique, vfs.ErrNotSupported)
	h, body := s.expect(wire.OpMknod)
	var in wire.MknodIn
	rest, err := wire.Unmarshal(body, &in)
	if err != nil {
		t.Fatal(err)
	}
	if in.Mode != unix.S_IFREG|0600 || string(rest) != "a\x00" {
		t.Error(fmt.Sprintf("unexpected MKNOD: %+v %q", in, rest))
	}
	s.reply(h.Unique, entry(20, vfs.TypeRegular))
	if r := <-res; r.err != nil || r.n.Ino() != 20 {
		t.Fatal(fmt.Sprintf("unexpected result: %+v", r))
	}

	res = create("b")
	h, _ = s.expect(wire.OpMknod)
	s.reply(h.Unique, entry(21, vfs.TypeRegular))
	if r := <-res; r.err != nil || r.n.Ino() != 21 {
		t.Fatal(fmt.Sprintf("unexpected result: %+v", r))
	}
}

func TestCreateReleasesHandle(t *testing.T) {
	s, fs := mount(t)
	s.init(0, 4096)

	done := make(chan error, 1)
	go func() {
		_, err := fs.Root().Create(context.Background(), "c", 0644)
		done <- err
	}()
	h, _ := s.expect(wire.OpCreate)
	s.reply(h.Unique, entry(30, vfs.TypeRegular), &wire.OpenOut{Fh: 77})
	h, body := s.expect(wire.OpRelease)
	var in wire.ReleaseIn
	if _, err := wire.Unmarshal(body, &in); err != nil || in.Fh != 77 || h.Nodeid != 30 {
		t.Error(fmt.Sprintf("unexpected RELEASE: node %d %+v", h.Nodeid, in))
	}
	s.reply(h.Unique)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if got := fs.Lookups(30); got != 1 {
		t.Error(fmt.Sprintf("expected 1 lookup, got %d", got))
	}
}

func TestNoOpenSupport(t *testing.T) {
	s, fs := mount(t)
	s.init(wire.InitNoOpenSupport, 4096)
	f := lookupFile(t, s, fs, "f", 8)

	read := func() chan error {
		ch := make(chan error, 1)
		go func() {
			_, err := f.ReadAt(context.Background(), make([]byte, 16), 0)
			ch <- err
		}()
		return ch
	}

	done := read()
	h, _ := s.expect(wire.OpOpen)
	s.fail(h.Unique, vfs.ErrNotSupported)
	h, body := s.expect(wire.OpRead)
	var in wire.ReadIn
	if _, err := wire.Unmarshal(body, &in); err != nil || in.Fh != 0 {
		t.Error(fmt.Sprintf("unexpected READ: %+v", in))
	}
	s.reply(h.Unique)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	// No RELEASE, and no further OPEN.
	done = read()
	h, _ = s.expect(wire.OpRead)
	s.reply(h.Unique)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestOpenENOSYSWithoutNoOpenSupport(t *testing.T) {
	s, fs := mount(t)
	s.init(0, 4096)
	f := lookupFile(t, s, fs, "f", 8)

	done := make(chan error, 1)
	go func() {
		_, err := f.ReadAt(context.Background(), make([]byte, 16), 0)
		done <- err
	}()
	h, _ := s.expect(wire.OpOpen)
	s.fail(h.Unique, vfs.ErrNotSupported)
	if err := <-done; err != vfs.ErrNotSupported {
		t.Error(fmt.Sprintf("expected %v, got %v", vfs.ErrNotSupported, err))
	}
}

func TestSymlinkCache(t *testing.T) {
	s, fs := mount(t)
	s.init(wire.InitCacheSymlinks, 4096)

	res := lookup(fs, "l")
	h, _ := s.expect(wire.OpLookup)
	s.reply(h.Unique, entry(40, vfs.TypeSymlink))
	r := <-res
	if r.err != nil {
		t.Fatal(r.err)
	}

	done := make(chan string, 1)
	go func() {
		target, _ := r.n.Readlink(context.Background())
		done <- target
	}()
	h, _ = s.expect(wire.OpReadlink)
	s.reply(h.Unique, []byte("/target"))
	if got := <-done; got != "/target" {
		t.Fatal(fmt.Sprintf("expected %q, got %q", "/target", got))
	}
	// Served from the cache.
	target, err := r.n.Readlink(context.Background())
	if err != nil || target != "/target" {
		t.Error(fmt.Sprintf("expected cached %q, got %q (%v)", "/target", target, err))
	}
}

func TestRenameAcrossFilesystems(t *testing.T) {
	s, fs := mount(t)
	s.init(0, 4096)
	_, other := mount(t)

	err := fs.Root().Rename(context.Background(), "a", other.Root(), "b")
	if err != vfs.ErrCrossDevice {
		t.Error(fmt.Sprintf("expected %v, got %v", vfs.ErrCrossDevice, err))
	}
}

func TestRenameMovesEntry(t *testing.T) {
	s, fs := mount(t)
	s.init(0, 4096)
	f := lookupFile(t, s, fs, "a", 50)

	done := make(chan error, 1)
	go func() { done <- fs.Root().Rename(context.Background(), "a", fs.Root(), "b") }()
	h, body := s.expect(wire.OpRename)
	var in wire.RenameIn
	rest, err := wire.Unmarshal(body, &in)
	if err != nil {
		t.Fatal(err)
	}
	if in.Newdir != wire.RootID || string(rest) != "a\x00b\x00" {
		t.Error(fmt.Sprintf("unexpected RENAME: %+v %q", in, rest))
	}
	s.reply(h.Unique)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	// Unlinking the old name forgets nothing; the new name holds the node.
	go func() { done <- fs.Root().Unlink(context.Background(), "b") }()
	h, _ = s.expect(wire.OpUnlink)
	s.reply(h.Unique)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	h, _ = s.expect(wire.OpForget)
	if h.Nodeid != f.Ino() {
		t.Error(fmt.Sprintf("expected FORGET of %d, got %d", f.Ino(), h.Nodeid))
	}
}

func TestParseConfig(t *testing.T) {
	tests := []struct {
		options string
		fd      int
		cfg     Config
		err     error
	}{
		{"", 0, Config{}, vfs.ErrInvalid},
		{"fd=5", 5, Config{RootMode: unix.S_IFDIR | 0755, MaxRead: defaultMaxRead, DestroyTimeout: 5 * time.Second}, nil},
		{"fd=3,rootmode=40700,user_id=1000,group_id=100,max_read=4096,allow_other,default_permissions,destroy_timeout=1s",
			3, Config{
				RootMode:           unix.S_IFDIR | 0700,
				Uid:                1000,
				Gid:                100,
				MaxRead:            4096,
				AllowOther:         true,
				DefaultPermissions: true,
				DestroyTimeout:     time.Second,
			}, nil},
		{"fd=3,rootmode=100644", 0, Config{}, vfs.ErrInvalid},
		{"fd=3,max_read=0", 0, Config{}, vfs.ErrInvalid},
		{"fd=3,destroy_timeout=soon", 0, Config{}, vfs.ErrInvalid},
	}
	for _, tt := range tests {
		opts, err := vfs.ParseOptions(tt.options)
		if err != nil {
			t.Fatal(err)
		}
		fd, cfg, err := ParseConfig(opts)
		if tt.err != nil {
			if !errors.Is(err, tt.err) {
				t.Error(fmt.Sprintf("%q: expected %v, got %v", tt.options, tt.err, err))
			}
			continue
		}
		if err != nil {
			t.Error(fmt.Sprintf("%q: unexpected error %v", tt.options, err))
			continue
		}
		if fd != tt.fd || cfg != tt.cfg {
			t.Error(fmt.Sprintf("%q: expected fd %d %+v, got fd %d %+v", tt.options, tt.fd, tt.cfg, fd, cfg))
		}
	}
}
