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
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/kurafs/mountfs/pkg/vfs"
	"golang.org/x/sys/unix"
)

// ErrMalformed is returned for messages that are truncated or otherwise do
// not parse. It maps onto EINVAL.
var ErrMalformed = fmt.Errorf("malformed FUSE message: %w", vfs.ErrInvalid)

var order = binary.LittleEndian

// Marshal encodes the fixed-size struct v.
func Marshal(v interface{}) []byte {
	var buf bytes.Buffer
	buf.Grow(binary.Size(v))
	if err := binary.Write(&buf, order, v); err != nil {
		panic(fmt.Sprintf("wire: cannot encode %T: %v", v, err))
	}
	return buf.Bytes()
}

// Unmarshal decodes the fixed-size struct v from the front of b, returning
// the remaining bytes.
func Unmarshal(b []byte, v interface{}) ([]byte, error) {
	n := binary.Size(v)
	if n < 0 || len(b) < n {
		return nil, ErrMalformed
	}
	if err := binary.Read(bytes.NewReader(b[:n]), order, v); err != nil {
		return nil, ErrMalformed
	}
	return b[n:], nil
}

// appendArgs appends request or reply arguments: strings are written
// NUL-terminated, byte slices as is and anything else as a fixed-size
// struct.
func appendArgs(buf []byte, args []interface{}) []byte {
	for _, arg := range args {
		switch a := arg.(type) {
		case string:
			buf = append(buf, a...)
			buf = append(buf, 0)
		case []byte:
			buf = append(buf, a...)
		default:
			buf = append(buf, Marshal(a)...)
		}
	}
	return buf
}

// Request encodes a request frame. The header's Len is filled in.
func Request(h InHeader, args ...interface{}) []byte {
	buf := appendArgs(make([]byte, InHeaderSize, 256), args)
	h.Len = uint32(len(buf))
	copy(buf, Marshal(&h))
	return buf
}

// Reply encodes a successful reply frame.
func Reply(unique uint64, args ...interface{}) []byte {
	buf := appendArgs(make([]byte, OutHeaderSize, 256), args)
	copy(buf, Marshal(&OutHeader{Len: uint32(len(buf)), Unique: unique}))
	return buf
}

// ErrorReply encodes a reply frame carrying only the errno for err.
func ErrorReply(unique uint64, err error) []byte {
	return Marshal(&OutHeader{
		Len:    OutHeaderSize,
		Error:  -int32(vfs.ErrnoOf(err)),
		Unique: unique,
	})
}

// ParseInHeader splits a request frame into its header and arguments. The
// length in the header must match the frame.
func ParseInHeader(b []byte) (InHeader, []byte, error) {
	var h InHeader
	rest, err := Unmarshal(b, &h)
	if err != nil {
		return h, nil, err
	}
	if int(h.Len) != len(b) {
		return h, nil, ErrMalformed
	}
	return h, rest, nil
}

// ParseOutHeader splits a reply frame into its header and payload. The
// length in the header must match the frame.
func ParseOutHeader(b []byte) (OutHeader, []byte, error) {
	var h OutHeader
	rest, err := Unmarshal(b, &h)
	if err != nil {
		return h, nil, err
	}
	if int(h.Len) != len(b) {
		return h, nil, ErrMalformed
	}
	return h, rest, nil
}

// ReplyError returns the error carried by a reply header, nil for success.
// Values outside the errno range are malformed.
func ReplyError(h OutHeader) error {
	if h.Error > 0 || h.Error <= -4096 {
		return ErrMalformed
	}
	return vfs.FromErrno(unix.Errno(-h.Error))
}

// CString splits b at the first NUL byte.
func CString(b []byte) (string, []byte, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", nil, ErrMalformed
	}
	return string(b[:i]), b[i+1:], nil
}

// Dirent is a decoded directory entry. Off is the cursor that continues the
// listing after the entry.
type Dirent struct {
	Ino  uint64
	Off  uint64
	Type uint32
	Name string
}

// AppendDirent appends the encoded form of d to buf.
func AppendDirent(buf []byte, d Dirent) []byte {
	buf = append(buf, Marshal(&DirentHeader{
		Ino:     d.Ino,
		Off:     d.Off,
		Namelen: uint32(len(d.Name)),
		Type:    d.Type,
	})...)
	buf = append(buf, d.Name...)
	if pad := DirentSize(d.Name) - DirentHeaderSize - len(d.Name); pad > 0 {
		buf = append(buf, make([]byte, pad)...)
	}
	return buf
}

// DirentSize returns the encoded size of an entry named name.
func DirentSize(name string) int {
	return (DirentHeaderSize + len(name) + 7) &^ 7
}

// ParseDirents decodes a READDIR reply.
func ParseDirents(b []byte) ([]Dirent, error) {
	var ents []Dirent
	for len(b) > 0 {
		var h DirentHeader
		rest, err := Unmarshal(b, &h)
		if err != nil {
			return nil, err
		}
		if h.Namelen == 0 || uint64(h.Namelen) > uint64(len(rest)) {
			return nil, ErrMalformed
		}
		name := string(rest[:h.Namelen])
		ents = append(ents, Dirent{Ino: h.Ino, Off: h.Off, Type: h.Type, Name: name})
		size := DirentSize(name)
		if size > len(b) {
			// The final entry may omit its padding.
			size = len(b)
		}
		b = b[size:]
	}
	return ents, nil
}

// DirentType returns the d_type value for t.
func DirentType(t vfs.FileType) uint32 { return t.Mode() >> 12 }

// FileType returns the file type for a d_type value.
func FileType(dtype uint32) vfs.FileType { return vfs.FileTypeFromMode(dtype << 12) }

func split(t time.Time) (uint64, uint32) {
	if t.IsZero() {
		return 0, 0
	}
	return uint64(t.Unix()), uint32(t.Nanosecond())
}

func join(sec uint64, nsec uint32) time.Time {
	if sec == 0 && nsec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), int64(nsec))
}

// AttrFrom converts node attributes to their wire form.
func AttrFrom(a vfs.Attr) Attr {
	out := Attr{
		Ino:     a.Ino,
		Size:    a.Size,
		Blocks:  a.Blocks,
		Mode:    a.Mode(),
		Nlink:   a.Nlink,
		Uid:     a.Uid,
		Gid:     a.Gid,
		Rdev:    a.Rdev,
		Blksize: a.BlockSize,
	}
	out.Atime, out.AtimeNsec = split(a.Atime)
	out.Mtime, out.MtimeNsec = split(a.Mtime)
	out.Ctime, out.CtimeNsec = split(a.Ctime)
	return out
}

// VFS converts wire attributes to node attributes.
func (a *Attr) VFS() vfs.Attr {
	return vfs.Attr{
		Ino:       a.Ino,
		Type:      vfs.FileTypeFromMode(a.Mode),
		Perm:      a.Mode & vfs.PermMask,
		Size:      a.Size,
		Blocks:    a.Blocks,
		BlockSize: a.Blksize,
		Nlink:     a.Nlink,
		Uid:       a.Uid,
		Gid:       a.Gid,
		Rdev:      a.Rdev,
		Atime:     join(a.Atime, a.AtimeNsec),
		Mtime:     join(a.Mtime, a.MtimeNsec),
		Ctime:     join(a.Ctime, a.CtimeNsec),
	}
}

// SetattrFrom converts an attribute mutation to its wire form.
func SetattrFrom(s vfs.SetAttr) SetattrIn {
	var in SetattrIn
	if s.Valid&vfs.SetMode != 0 {
		in.Valid |= SetattrMode
		in.Mode = s.Perm & vfs.PermMask
	}
	if s.Valid&vfs.SetUid != 0 {
		in.Valid |= SetattrUid
		in.Uid = s.Uid
	}
	if s.Valid&vfs.SetGid != 0 {
		in.Valid |= SetattrGid
		in.Gid = s.Gid
	}
	if s.Valid&vfs.SetSize != 0 {
		in.Valid |= SetattrSize
		in.Size = s.Size
	}
	if s.Valid&vfs.SetAtime != 0 {
		in.Valid |= SetattrAtime
		in.Atime, in.AtimeNsec = split(s.Atime)
	}
	if s.Valid&vfs.SetMtime != 0 {
		in.Valid |= SetattrMtime
		in.Mtime, in.MtimeNsec = split(s.Mtime)
	}
	return in
}

// VFS converts a wire attribute mutation to node form. The *_NOW bits are
// resolved against now.
func (in *SetattrIn) VFS(now time.Time) vfs.SetAttr {
	var s vfs.SetAttr
	if in.Valid&SetattrMode != 0 {
		s.Valid |= vfs.SetMode
		s.Perm = in.Mode & vfs.PermMask
	}
	if in.Valid&SetattrUid != 0 {
		s.Valid |= vfs.SetUid
		s.Uid = in.Uid
	}
	if in.Valid&SetattrGid != 0 {
		s.Valid |= vfs.SetGid
		s.Gid = in.Gid
	}
	if in.Valid&SetattrSize != 0 {
		s.Valid |= vfs.SetSize
		s.Size = in.Size
	}
	switch {
	case in.Valid&SetattrAtimeNow != 0:
		s.Valid |= vfs.SetAtime
		s.Atime = now
	case in.Valid&SetattrAtime != 0:
		s.Valid |= vfs.SetAtime
		s.Atime = join(in.Atime, in.AtimeNsec)
	}
	switch {
	case in.Valid&SetattrMtimeNow != 0:
		s.Valid |= vfs.SetMtime
		s.Mtime = now
	case in.Valid&SetattrMtime != 0:
		s.Valid |= vfs.SetMtime
		s.Mtime = join(in.Mtime, in.MtimeNsec)
	}
	return s
}

// OpenFlags converts open flags to the O_* bits carried in OPEN and CREATE.
func OpenFlags(f vfs.OpenFlags) uint32 {
	var fl uint32
	switch {
	case f&vfs.OpenRead != 0 && f.Writable():
		fl = unix.O_RDWR
	case f.Writable():
		fl = unix.O_WRONLY
	default:
		fl = unix.O_RDONLY
	}
	if f&vfs.OpenCreate != 0 {
		fl |= unix.O_CREAT
	}
	if f&vfs.OpenExclusive != 0 {
		fl |= unix.O_EXCL
	}
	if f&vfs.OpenTruncate != 0 {
		fl |= unix.O_TRUNC
	}
	if f&vfs.OpenAppend != 0 {
		fl |= unix.O_APPEND
	}
	if f&vfs.OpenDirectory != 0 {
		fl |= unix.O_DIRECTORY
	}
	return fl
}

// VFSOpenFlags converts O_* bits to open flags.
func VFSOpenFlags(fl uint32) vfs.OpenFlags {
	var f vfs.OpenFlags
	switch fl & unix.O_ACCMODE {
	case unix.O_RDONLY:
		f = vfs.OpenRead
	case unix.O_WRONLY:
		f = vfs.OpenWrite
	case unix.O_RDWR:
		f = vfs.OpenRead | vfs.OpenWrite
	}
	if fl&unix.O_CREAT != 0 {
		f |= vfs.OpenCreate
	}
	if fl&unix.O_EXCL != 0 {
		f |= vfs.OpenExclusive
	}
	if fl&unix.O_TRUNC != 0 {
		f |= vfs.OpenTruncate
	}
	if fl&unix.O_APPEND != 0 {
		f |= vfs.OpenAppend
	}
	if fl&unix.O_DIRECTORY != 0 {
		f |= vfs.OpenDirectory
	}
	return f
}
