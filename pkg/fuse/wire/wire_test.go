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

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kurafs/mountfs/pkg/vfs"
	"golang.org/x/sys/unix"
)

func TestLayoutSizes(t *testing.T) {
	tests := []struct {
		v    interface{}
		size int
	}{
		{InHeader{}, InHeaderSize},
		{OutHeader{}, OutHeaderSize},
		{Attr{}, AttrSize},
		{EntryOut{}, EntryOutSize},
		{AttrOut{}, AttrOutSize},
		{ForgetIn{}, ForgetInSize},
		{GetattrIn{}, GetattrInSize},
		{MknodIn{}, MknodInSize},
		{MkdirIn{}, MkdirInSize},
		{RenameIn{}, RenameInSize},
		{LinkIn{}, LinkInSize},
		{SetattrIn{}, SetattrInSize},
		{OpenIn{}, OpenInSize},
		{CreateIn{}, CreateInSize},
		{OpenOut{}, OpenOutSize},
		{ReleaseIn{}, ReleaseInSize},
		{FlushIn{}, FlushInSize},
		{ReadIn{}, ReadInSize},
		{WriteIn{}, WriteInSize},
		{WriteOut{}, WriteOutSize},
		{StatfsOut{}, StatfsOutSize},
		{FsyncIn{}, FsyncInSize},
		{AccessIn{}, AccessInSize},
		{InitIn{}, InitInSize},
		{InitOut{}, InitOutSize},
		{InterruptIn{}, InterruptInSize},
		{DirentHeader{}, DirentHeaderSize},
	}
	for _, tt := range tests {
		if got := binary.Size(tt.v); got != tt.size {
			t.Error(fmt.Sprintf("%T: expected size %d, got %d", tt.v, tt.size, got))
		}
	}
}

func TestHeaderByteOrder(t *testing.T) {
	frame := Request(InHeader{Opcode: OpLookup, Unique: 2, Nodeid: RootID, Uid: 7}, "name")
	if len(frame) != InHeaderSize+5 {
		t.Fatal(fmt.Sprintf("expected %d bytes, got %d", InHeaderSize+5, len(frame)))
	}
	if frame[0] != byte(len(frame)) || frame[1] != 0 {
		t.Error(fmt.Sprintf("length not little-endian: % x", frame[:4]))
	}
	if frame[4] != byte(OpLookup) {
		t.Error(fmt.Sprintf("opcode at wrong offset: % x", frame[4:8]))
	}
	if frame[8] != 2 || frame[16] != 1 || frame[24] != 7 {
		t.Error(fmt.Sprintf("unexpected header layout: % x", frame[:InHeaderSize]))
	}

	h, rest, err := ParseInHeader(frame)
	if err != nil {
		t.Fatal(err)
	}
	if h.Opcode != OpLookup || h.Unique != 2 || h.Nodeid != RootID || h.Uid != 7 {
		t.Error(fmt.Sprintf("unexpected header %+v", h))
	}
	name, rest, err := CString(rest)
	if err != nil || name != "name" || len(rest) != 0 {
		t.Error(fmt.Sprintf("expected name, got %q %v (%d left)", name, err, len(rest)))
	}
}

func TestHeaderLengthMismatch(t *testing.T) {
	frame := Reply(4, &WriteOut{Size: 10})
	if _, _, err := ParseOutHeader(frame[:len(frame)-1]); !errors.Is(err, vfs.ErrInvalid) {
		t.Error(fmt.Sprintf("expected EINVAL for truncated frame, got %v", err))
	}
	if _, _, err := ParseOutHeader(append(frame, 0)); !errors.Is(err, vfs.ErrInvalid) {
		t.Error(fmt.Sprintf("expected EINVAL for padded frame, got %v", err))
	}
	if _, _, err := ParseOutHeader(frame[:8]); !errors.Is(err, vfs.ErrInvalid) {
		t.Error(fmt.Sprintf("expected EINVAL for short header, got %v", err))
	}
}

func TestReplyError(t *testing.T) {
	h, _, err := ParseOutHeader(ErrorReply(6, vfs.ErrNotFound))
	if err != nil {
		t.Fatal(err)
	}
	if h.Error != -int32(unix.ENOENT) {
		t.Error(fmt.Sprintf("expected -ENOENT, got %d", h.Error))
	}
	if err := ReplyError(h); err != vfs.ErrNotFound {
		t.Error(fmt.Sprintf("expected ErrNotFound, got %v", err))
	}
	if err := ReplyError(OutHeader{}); err != nil {
		t.Error(fmt.Sprintf("expected success, got %v", err))
	}
	for _, bad := range []int32{1, -4096} {
		if err := ReplyError(OutHeader{Error: bad}); !errors.Is(err, vfs.ErrInvalid) {
			t.Error(fmt.Sprintf("error %d: expected EINVAL, got %v", bad, err))
		}
	}
}

func TestDirents(t *testing.T) {
	var buf []byte
	buf = AppendDirent(buf, Dirent{Ino: 2, Off: 1, Type: DirentType(vfs.TypeRegular), Name: "a"})
	if len(buf) != 32 {
		t.Fatal(fmt.Sprintf("expected entry padded to 32 bytes, got %d", len(buf)))
	}
	buf = AppendDirent(buf, Dirent{Ino: 3, Off: 2, Type: DirentType(vfs.TypeDir), Name: "eightchr"})
	if len(buf) != 64 {
		t.Fatal(fmt.Sprintf("expected 64 bytes, got %d", len(buf)))
	}
	buf = AppendDirent(buf, Dirent{Ino: 4, Off: 3, Type: DirentType(vfs.TypeSymlink), Name: "ninechars"})

	ents, err := ParseDirents(buf)
	if err != nil {
		t.Fatal(err)
	}
	expected := []struct {
		name string
		typ  vfs.FileType
		off  uint64
	}{{"a", vfs.TypeRegular, 1}, {"eightchr", vfs.TypeDir, 2}, {"ninechars", vfs.TypeSymlink, 3}}
	if len(ents) != len(expected) {
		t.Fatal(fmt.Sprintf("expected %d entries, got %d", len(expected), len(ents)))
	}
	for i, e := range expected {
		if ents[i].Name != e.name || FileType(ents[i].Type) != e.typ || ents[i].Off != e.off {
			t.Error(fmt.Sprintf("entry %d: expected %v, got %+v", i, e, ents[i]))
		}
	}

	if _, err := ParseDirents(buf[:20]); !errors.Is(err, vfs.ErrInvalid) {
		t.Error(fmt.Sprintf("expected EINVAL for truncated entry, got %v", err))
	}
}

func TestAttrConversion(t *testing.T) {
	mtime := time.Unix(1500000000, 42)
	a := vfs.Attr{
		Ino:   9,
		Type:  vfs.TypeSymlink,
		Perm:  0777,
		Size:  5,
		Nlink: 1,
		Uid:   1000,
		Mtime: mtime,
	}
	w := AttrFrom(a)
	if w.Mode != unix.S_IFLNK|0777 {
		t.Error(fmt.Sprintf("expected mode %o, got %o", unix.S_IFLNK|0777, w.Mode))
	}
	got := w.VFS()
	if got.Type != a.Type || got.Perm != a.Perm || got.Ino != a.Ino || got.Uid != a.Uid {
		t.Error(fmt.Sprintf("expected %+v, got %+v", a, got))
	}
	if !got.Mtime.Equal(mtime) || !got.Atime.IsZero() {
		t.Error(fmt.Sprintf("unexpected times: mtime=%v atime=%v", got.Mtime, got.Atime))
	}
}

func TestSetattrConversion(t *testing.T) {
	now := time.Unix(1600000000, 0)
	in := SetattrFrom(vfs.SetAttr{Valid: vfs.SetMode | vfs.SetSize, Perm: 0640, Size: 12})
	if in.Valid != SetattrMode|SetattrSize || in.Mode != 0640 || in.Size != 12 {
		t.Error(fmt.Sprintf("unexpected setattr_in %+v", in))
	}
	in.Valid |= SetattrMtimeNow
	s := in.VFS(now)
	if s.Valid != vfs.SetMode|vfs.SetSize|vfs.SetMtime || !s.Mtime.Equal(now) {
		t.Error(fmt.Sprintf("unexpected setattr %+v", s))
	}
}

func TestOpenFlags(t *testing.T) {
	tests := []struct {
		flags vfs.OpenFlags
		unix  uint32
	}{
		{vfs.OpenRead, unix.O_RDONLY},
		{vfs.OpenWrite, unix.O_WRONLY},
		{vfs.OpenRead | vfs.OpenWrite | vfs.OpenTruncate, unix.O_RDWR | unix.O_TRUNC},
		{vfs.OpenWrite | vfs.OpenCreate | vfs.OpenExclusive, unix.O_WRONLY | unix.O_CREAT | unix.O_EXCL},
		{vfs.OpenRead | vfs.OpenDirectory, unix.O_RDONLY | unix.O_DIRECTORY},
	}
	for _, tt := range tests {
		if got := OpenFlags(tt.flags); got != tt.unix {
			t.Error(fmt.Sprintf("OpenFlags(%b): expected %#x, got %#x", tt.flags, tt.unix, got))
		}
		if got := VFSOpenFlags(tt.unix); got != tt.flags {
			t.Error(fmt.Sprintf("VFSOpenFlags(%#x): expected %b, got %b", tt.unix, tt.flags, got))
		}
	}
}

func TestInitFlagsString(t *testing.T) {
	if s := (InitAsyncRead | InitBigWrites).String(); s != "ASYNC_READ+BIG_WRITES" {
		t.Error(fmt.Sprintf("unexpected %q", s))
	}
	if s := InitFlags(1 << 31).String(); s != "0x80000000" {
		t.Error(fmt.Sprintf("unexpected %q", s))
	}
}
