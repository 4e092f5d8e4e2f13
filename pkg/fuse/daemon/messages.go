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
	"fmt"
	"time"

	"github.com/kurafs/mountfs/pkg/fuse/wire"
	"github.com/kurafs/mountfs/pkg/vfs"
)

// A Request represents a single FUSE request received from the kernel.
// Use a type switch to determine the specific kind.
// A request of unrecognized type will have concrete type *Header.
type Request interface {
	// Hdr returns the Header associated with this request.
	Hdr() *Header

	// RespondError responds to the request with the given error.
	RespondError(error)

	String() string
}

// A RequestID identifies an active FUSE request.
type RequestID uint64

func (r RequestID) String() string {
	return fmt.Sprintf("%#x", uint64(r))
}

// A NodeID is a number identifying a directory or file.
// It must be unique among IDs returned in LookupResponses
// that have not yet been forgotten by ForgetRequests.
type NodeID uint64

func (n NodeID) String() string {
	return fmt.Sprintf("%#x", uint64(n))
}

// A HandleID is a number identifying an open directory or file.
// It only needs to be unique while the directory or file is open.
type HandleID uint64

func (h HandleID) String() string {
	return fmt.Sprintf("%#x", uint64(h))
}

// The RootID identifies the root directory of a FUSE file system.
const RootID NodeID = wire.RootID

// A Header describes the basic information sent in every request.
type Header struct {
	Conn   *Conn       // Connection this request was received on.
	ID     RequestID   // Unique ID for request.
	Node   NodeID      // File or directory the request is about.
	Uid    uint32      // User ID of process making request.
	Gid    uint32      // Group ID of process making request.
	Pid    uint32      // Process ID of process making request.
	Opcode wire.Opcode // Kept for unrecognized requests.
}

func (h *Header) String() string {
	return fmt.Sprintf("ID=%v Node=%v Uid=%d Gid=%d Pid=%d", h.ID, h.Node, h.Uid, h.Gid, h.Pid)
}

func (h *Header) Hdr() *Header {
	return h
}

func (h *Header) respond(args ...interface{}) {
	h.Conn.respond(wire.Reply(uint64(h.ID), args...))
}

// RespondError responds with the errno err maps onto; errors without one
// become EIO.
func (h *Header) RespondError(err error) {
	h.Conn.respond(wire.ErrorReply(uint64(h.ID), err))
}

// An InitRequest is the first request sent on a FUSE file system.
type InitRequest struct {
	Header
	Kernel Protocol
	// Maximum readahead in bytes that the kernel plans to use.
	MaxReadahead uint32
	Flags        wire.InitFlags
}

var _ = Request(&InitRequest{})

func (r *InitRequest) String() string {
	return fmt.Sprintf("Init [%v] %v ra=%d fl=%v", &r.Header, r.Kernel, r.MaxReadahead, r.Flags)
}

// An InitResponse is the response to an InitRequest.
type InitResponse struct {
	Library Protocol
	// Maximum readahead in bytes that the kernel can use. Ignored if
	// greater than InitRequest.MaxReadahead.
	MaxReadahead uint32
	Flags        wire.InitFlags
	// Maximum size of a single write operation.
	// The kernel enforces a minimum of 4 KiB.
	MaxWrite uint32
	MaxPages uint16
}

func (r *InitResponse) String() string {
	return fmt.Sprintf("Init %v ra=%d fl=%v w=%d", r.Library, r.MaxReadahead, r.Flags, r.MaxWrite)
}

// Respond replies to the request with the given response.
func (r *InitRequest) Respond(resp *InitResponse) {
	r.respond(&wire.InitOut{
		Major:        resp.Library.Major,
		Minor:        resp.Library.Minor,
		MaxReadahead: resp.MaxReadahead,
		Flags:        resp.Flags,
		MaxWrite:     resp.MaxWrite,
		MaxPages:     resp.MaxPages,
	})
}

// A StatfsRequest requests information about the mounted file system.
type StatfsRequest struct {
	Header
}

var _ = Request(&StatfsRequest{})

func (r *StatfsRequest) String() string {
	return fmt.Sprintf("Statfs [%s]", &r.Header)
}

// Respond replies to the request with the given response.
func (r *StatfsRequest) Respond(resp *StatfsResponse) {
	r.respond(&wire.StatfsOut{St: wire.Kstatfs{
		Blocks:  resp.Blocks,
		Bfree:   resp.Bfree,
		Bavail:  resp.Bavail,
		Files:   resp.Files,
		Ffree:   resp.Ffree,
		Bsize:   resp.Bsize,
		Namelen: resp.Namelen,
		Frsize:  resp.Frsize,
	}})
}

// A StatfsResponse is the response to a StatfsRequest.
type StatfsResponse struct {
	Blocks  uint64 // Total data blocks in file system.
	Bfree   uint64 // Free blocks in file system.
	Bavail  uint64 // Free blocks in file system if you're not root.
	Files   uint64 // Total files in file system.
	Ffree   uint64 // Free files in file system.
	Bsize   uint32 // Block size
	Namelen uint32 // Maximum file name length?
	Frsize  uint32 // Fragment size, smallest addressable data size in the file system.
}

// An AccessRequest asks whether the file can be accessed
// for the purpose specified by the mask.
type AccessRequest struct {
	Header
	Mask uint32
}

var _ = Request(&AccessRequest{})

func (r *AccessRequest) String() string {
	return fmt.Sprintf("Access [%s] mask=%#x", &r.Header, r.Mask)
}

// Respond replies to the request indicating that access is allowed.
// To deny access, use RespondError.
func (r *AccessRequest) Respond() {
	r.respond()
}

// A GetattrRequest asks for the metadata for the file denoted by r.Node.
type GetattrRequest struct {
	Header
	Flags  uint32
	Handle HandleID
}

var _ = Request(&GetattrRequest{})

func (r *GetattrRequest) String() string {
	return fmt.Sprintf("Getattr [%s] %v fl=%#x", &r.Header, r.Handle, r.Flags)
}

// Respond replies to the request with the given response.
func (r *GetattrRequest) Respond(resp *AttrResponse) {
	r.respond(resp.out())
}

// An AttrResponse is the response to a GetattrRequest or SetattrRequest.
type AttrResponse struct {
	Attr  vfs.Attr
	Valid time.Duration // how long Attr can be cached
}

func (r *AttrResponse) out() *wire.AttrOut {
	return &wire.AttrOut{
		AttrValid:     uint64(r.Valid / time.Second),
		AttrValidNsec: uint32(r.Valid % time.Second / time.Nanosecond),
		Attr:          wire.AttrFrom(r.Attr),
	}
}

func (r *AttrResponse) String() string {
	return fmt.Sprintf("Attr ino=%d type=%v perm=%o size=%d", r.Attr.Ino, r.Attr.Type, r.Attr.Perm, r.Attr.Size)
}

// A SetattrRequest asks to change one or more attributes associated with
// a file, as indicated by Set.Valid.
type SetattrRequest struct {
	Header
	Set vfs.SetAttr
	// Handle is the open file the change comes through, if HasHandle.
	Handle    HandleID
	HasHandle bool
}

var _ = Request(&SetattrRequest{})

func (r *SetattrRequest) String() string {
	return fmt.Sprintf("Setattr [%s] valid=%#x", &r.Header, r.Set.Valid)
}

// Respond replies to the request with the given response, giving the
// updated attributes.
func (r *SetattrRequest) Respond(resp *AttrResponse) {
	r.respond(resp.out())
}

// A LookupRequest asks to look up the given name in the directory named by r.Node.
type LookupRequest struct {
	Header
	Name string
}

var _ = Request(&LookupRequest{})

func (r *LookupRequest) String() string {
	return fmt.Sprintf("Lookup [%s] %q", &r.Header, r.Name)
}

// Respond replies to the request with the given response.
func (r *LookupRequest) Respond(resp *LookupResponse) {
	r.respond(resp.out())
}

// A LookupResponse is the response to a LookupRequest, and to every
// request that creates a node.
type LookupResponse struct {
	Node       NodeID
	Generation uint64
	EntryValid time.Duration
	Attr       AttrResponse
}

func (r *LookupResponse) out() *wire.EntryOut {
	return &wire.EntryOut{
		Nodeid:         uint64(r.Node),
		Generation:     r.Generation,
		EntryValid:     uint64(r.EntryValid / time.Second),
		EntryValidNsec: uint32(r.EntryValid % time.Second / time.Nanosecond),
		AttrValid:      uint64(r.Attr.Valid / time.Second),
		AttrValidNsec:  uint32(r.Attr.Valid % time.Second / time.Nanosecond),
		Attr:           wire.AttrFrom(r.Attr.Attr),
	}
}

func (r *LookupResponse) String() string {
	return fmt.Sprintf("Lookup %v gen=%d valid=%v attr={%v}", r.Node, r.Generation, r.EntryValid, &r.Attr)
}

// A ForgetRequest is sent by the kernel when forgetting about r.Node
// as returned by r.N lookup requests.
type ForgetRequest struct {
	Header
	N uint64
}

var _ = Request(&ForgetRequest{})

func (r *ForgetRequest) String() string {
	return fmt.Sprintf("Forget [%s] %d", &r.Header, r.N)
}

// Respond replies to the request, indicating that the forgetfulness has
// been recorded. No reply is sent.
func (r *ForgetRequest) Respond() {}

// A ReadlinkRequest is a request to read a symlink's target.
type ReadlinkRequest struct {
	Header
}

var _ = Request(&ReadlinkRequest{})

func (r *ReadlinkRequest) String() string {
	return fmt.Sprintf("Readlink [%s]", &r.Header)
}

func (r *ReadlinkRequest) Respond(target string) {
	r.respond([]byte(target))
}

// A SymlinkRequest is a request to create a symlink making NewName point to Target.
type SymlinkRequest struct {
	Header
	NewName, Target string
}

var _ = Request(&SymlinkRequest{})

func (r *SymlinkRequest) String() string {
	return fmt.Sprintf("Symlink [%s] from %q to target %q", &r.Header, r.NewName, r.Target)
}

// Respond replies to the request, indicating that the symlink was created.
func (r *SymlinkRequest) Respond(resp *LookupResponse) {
	r.respond(resp.out())
}

// A MknodRequest asks to create a node that is not a directory or symlink.
type MknodRequest struct {
	Header
	Name  string
	Type  vfs.FileType
	Perm  uint32
	Rdev  uint32
	Umask uint32
}

var _ = Request(&MknodRequest{})

func (r *MknodRequest) String() string {
	return fmt.Sprintf("Mknod [%s] Name %q type=%v perm=%o rdev=%d", &r.Header, r.Name, r.Type, r.Perm, r.Rdev)
}

func (r *MknodRequest) Respond(resp *LookupResponse) {
	r.respond(resp.out())
}

// A MkdirRequest asks to create (but not open) a directory.
type MkdirRequest struct {
	Header
	Name  string
	Perm  uint32
	Umask uint32
}

var _ = Request(&MkdirRequest{})

func (r *MkdirRequest) String() string {
	return fmt.Sprintf("Mkdir [%s] %q perm=%o umask=%o", &r.Header, r.Name, r.Perm, r.Umask)
}

// Respond replies to the request with the given response.
func (r *MkdirRequest) Respond(resp *LookupResponse) {
	r.respond(resp.out())
}

// A RemoveRequest asks to remove a file or directory from the
// directory r.Node.
type RemoveRequest struct {
	Header
	Name string // name of the entry to remove
	Dir  bool   // is this rmdir?
}

var _ = Request(&RemoveRequest{})

func (r *RemoveRequest) String() string {
	return fmt.Sprintf("Remove [%s] %q dir=%v", &r.Header, r.Name, r.Dir)
}

// Respond replies to the request, indicating that the file was removed.
func (r *RemoveRequest) Respond() {
	r.respond()
}

// A RenameRequest asks to rename OldName in r.Node to NewName in NewDir.
type RenameRequest struct {
	Header
	NewDir           NodeID
	OldName, NewName string
}

var _ = Request(&RenameRequest{})

func (r *RenameRequest) String() string {
	return fmt.Sprintf("Rename [%s] from %q to dirnode %v %q", &r.Header, r.OldName, r.NewDir, r.NewName)
}

func (r *RenameRequest) Respond() {
	r.respond()
}

// An OpenRequest asks to open a file or directory
type OpenRequest struct {
	Header
	Dir   bool // is this Opendir?
	Flags uint32
}

var _ = Request(&OpenRequest{})

func (r *OpenRequest) String() string {
	return fmt.Sprintf("Open [%s] dir=%v fl=%#o", &r.Header, r.Dir, r.Flags)
}

// Respond replies to the request with the given response.
func (r *OpenRequest) Respond(resp *OpenResponse) {
	r.respond(resp.out())
}

// A OpenResponse is the response to a OpenRequest.
type OpenResponse struct {
	Handle HandleID
	Flags  uint32
}

func (r *OpenResponse) out() *wire.OpenOut {
	return &wire.OpenOut{Fh: uint64(r.Handle), OpenFlags: r.Flags}
}

func (r *OpenResponse) String() string {
	return fmt.Sprintf("Open %v fl=%#x", r.Handle, r.Flags)
}

// A CreateRequest asks to create and open a file (not a directory).
type CreateRequest struct {
	Header
	Name  string
	Flags uint32
	Perm  uint32
	Umask uint32
}

var _ = Request(&CreateRequest{})

func (r *CreateRequest) String() string {
	return fmt.Sprintf("Create [%s] %q fl=%#o perm=%o umask=%o", &r.Header, r.Name, r.Flags, r.Perm, r.Umask)
}

// Respond replies to the request with the given response.
func (r *CreateRequest) Respond(resp *CreateResponse) {
	r.respond(resp.LookupResponse.out(), resp.OpenResponse.out())
}

// A CreateResponse is the response to a CreateRequest.
// It describes the created node and opened handle.
type CreateResponse struct {
	LookupResponse
	OpenResponse
}

func (r *CreateResponse) String() string {
	return fmt.Sprintf("Create {%v} {%v}", &r.LookupResponse, &r.OpenResponse)
}

// A ReadRequest asks to read from an open file.
type ReadRequest struct {
	Header
	Dir    bool // is this Readdir?
	Handle HandleID
	Offset int64
	Size   int
	Flags  uint32
}

var _ = Request(&ReadRequest{})

func (r *ReadRequest) String() string {
	return fmt.Sprintf("Read [%s] %v %d @%#x dir=%v fl=%#o", &r.Header, r.Handle, r.Size, r.Offset, r.Dir, r.Flags)
}

// Respond replies to the request with the data read. For a directory the
// data is a run of entries encoded with wire.AppendDirent.
func (r *ReadRequest) Respond(data []byte) {
	r.respond(data)
}

// A WriteRequest asks to write to an open file.
type WriteRequest struct {
	Header
	Handle HandleID
	Offset int64
	Data   []byte
	Flags  uint32
}

var _ = Request(&WriteRequest{})

func (r *WriteRequest) String() string {
	return fmt.Sprintf("Write [%s] %v %d @%d fl=%#o", &r.Header, r.Handle, len(r.Data), r.Offset, r.Flags)
}

// Respond replies to the request with the number of bytes written.
func (r *WriteRequest) Respond(size int) {
	r.respond(&wire.WriteOut{Size: uint32(size)})
}

// A ReleaseRequest asks to release (close) an open file handle.
type ReleaseRequest struct {
	Header
	Dir          bool // is this Releasedir?
	Handle       HandleID
	Flags        uint32
	ReleaseFlags uint32
}

var _ = Request(&ReleaseRequest{})

func (r *ReleaseRequest) String() string {
	return fmt.Sprintf("Release [%s] %v fl=%#o rfl=%#x", &r.Header, r.Handle, r.Flags, r.ReleaseFlags)
}

// Respond replies to the request, indicating that the handle has been released.
func (r *ReleaseRequest) Respond() {
	r.respond()
}

// A FlushRequest asks for the current state of an open file to be flushed
// to storage, as when a file descriptor is being closed.
type FlushRequest struct {
	Header
	Handle HandleID
}

var _ = Request(&FlushRequest{})

func (r *FlushRequest) String() string {
	return fmt.Sprintf("Flush [%s] %v", &r.Header, r.Handle)
}

// Respond replies to the request, indicating that the flush succeeded.
func (r *FlushRequest) Respond() {
	r.respond()
}

// A FsyncRequest asks for the contents of a file or directory to reach
// stable storage.
type FsyncRequest struct {
	Header
	Dir    bool
	Handle HandleID
	Flags  uint32
}

var _ = Request(&FsyncRequest{})

func (r *FsyncRequest) String() string {
	return fmt.Sprintf("Fsync [%s] Handle %v Flags %v", &r.Header, r.Handle, r.Flags)
}

func (r *FsyncRequest) Respond() {
	r.respond()
}

// An InterruptRequest is a request to interrupt another pending request. The
// response to that request should return an error status of EINTR.
type InterruptRequest struct {
	Header
	IntrID RequestID // ID of the request to be interrupted
}

var _ = Request(&InterruptRequest{})

// Respond does nothing; interrupts take no reply.
func (r *InterruptRequest) Respond() {}

func (r *InterruptRequest) String() string {
	return fmt.Sprintf("Interrupt [%s] ID %v", &r.Header, r.IntrID)
}

// A DestroyRequest is sent by the kernel when unmounting the file system.
// No more requests will be received after this one, but it should still be
// responded to.
type DestroyRequest struct {
	Header
}

var _ = Request(&DestroyRequest{})

func (r *DestroyRequest) String() string {
	return fmt.Sprintf("Destroy [%s]", &r.Header)
}

// Respond replies to the request.
func (r *DestroyRequest) Respond() {
	r.respond()
}

// parse decodes one request frame. Do not trust the kernel to hand us
// well-formed data.
func (c *Conn) parse(buf []byte) (Request, error) {
	in, body, err := wire.ParseInHeader(buf)
	if err != nil {
		return nil, fmt.Errorf("fuse: short or mislabelled request (%d bytes): %w", len(buf), err)
	}
	hdr := Header{
		Conn:   c,
		ID:     RequestID(in.Unique),
		Node:   NodeID(in.Nodeid),
		Uid:    in.Uid,
		Gid:    in.Gid,
		Pid:    in.Pid,
		Opcode: in.Opcode,
	}
	corrupt := func(reason string) error {
		return &malformedError{Opcode: in.Opcode, Reason: reason}
	}
	// name decodes a request that is a single NUL-terminated name.
	name := func() (string, error) {
		s, rest, err := wire.CString(body)
		if err != nil || len(rest) != 0 || s == "" {
			return "", corrupt("bad name")
		}
		return s, nil
	}

	switch in.Opcode {
	case wire.OpInit:
		var r wire.InitIn
		if _, err := wire.Unmarshal(body, &r); err != nil {
			return nil, corrupt("short body")
		}
		return &InitRequest{
			Header:       hdr,
			Kernel:       Protocol{r.Major, r.Minor},
			MaxReadahead: r.MaxReadahead,
			Flags:        r.Flags,
		}, nil

	case wire.OpLookup:
		n, err := name()
		if err != nil {
			return nil, err
		}
		return &LookupRequest{Header: hdr, Name: n}, nil

	case wire.OpForget:
		var r wire.ForgetIn
		if _, err := wire.Unmarshal(body, &r); err != nil {
			return nil, corrupt("short body")
		}
		return &ForgetRequest{Header: hdr, N: r.Nlookup}, nil

	case wire.OpGetattr:
		var r wire.GetattrIn
		if _, err := wire.Unmarshal(body, &r); err != nil {
			return nil, corrupt("short body")
		}
		return &GetattrRequest{Header: hdr, Flags: r.GetattrFlags, Handle: HandleID(r.Fh)}, nil

	case wire.OpSetattr:
		var r wire.SetattrIn
		if _, err := wire.Unmarshal(body, &r); err != nil {
			return nil, corrupt("short body")
		}
		return &SetattrRequest{
			Header:    hdr,
			Set:       r.VFS(time.Now()),
			Handle:    HandleID(r.Fh),
			HasHandle: r.Valid&wire.SetattrHandle != 0,
		}, nil

	case wire.OpReadlink:
		if len(body) > 0 {
			return nil, corrupt("unexpected body")
		}
		return &ReadlinkRequest{Header: hdr}, nil

	case wire.OpSymlink:
		// The body is the new name followed by the target.
		newName, rest, err := wire.CString(body)
		if err != nil || newName == "" {
			return nil, corrupt("bad name")
		}
		target, rest, err := wire.CString(rest)
		if err != nil || len(rest) != 0 || target == "" {
			return nil, corrupt("bad target")
		}
		return &SymlinkRequest{Header: hdr, NewName: newName, Target: target}, nil

	case wire.OpMknod:
		var r wire.MknodIn
		rest, err := wire.Unmarshal(body, &r)
		if err != nil {
			return nil, corrupt("short body")
		}
		body = rest
		n, err := name()
		if err != nil {
			return nil, err
		}
		return &MknodRequest{
			Header: hdr,
			Name:   n,
			Type:   vfs.FileTypeFromMode(r.Mode),
			Perm:   r.Mode & vfs.PermMask,
			Rdev:   r.Rdev,
			Umask:  r.Umask,
		}, nil

	case wire.OpMkdir:
		var r wire.MkdirIn
		rest, err := wire.Unmarshal(body, &r)
		if err != nil {
			return nil, corrupt("short body")
		}
		body = rest
		n, err := name()
		if err != nil {
			return nil, err
		}
		return &MkdirRequest{Header: hdr, Name: n, Perm: r.Mode & vfs.PermMask, Umask: r.Umask}, nil

	case wire.OpUnlink, wire.OpRmdir:
		n, err := name()
		if err != nil {
			return nil, err
		}
		return &RemoveRequest{Header: hdr, Name: n, Dir: in.Opcode == wire.OpRmdir}, nil

	case wire.OpRename:
		var r wire.RenameIn
		rest, err := wire.Unmarshal(body, &r)
		if err != nil {
			return nil, corrupt("short body")
		}
		oldName, rest, err := wire.CString(rest)
		if err != nil || oldName == "" {
			return nil, corrupt("bad old name")
		}
		newName, rest, err := wire.CString(rest)
		if err != nil || len(rest) != 0 || newName == "" {
			return nil, corrupt("bad new name")
		}
		return &RenameRequest{Header: hdr, NewDir: NodeID(r.Newdir), OldName: oldName, NewName: newName}, nil

	case wire.OpOpen, wire.OpOpendir:
		var r wire.OpenIn
		if _, err := wire.Unmarshal(body, &r); err != nil {
			return nil, corrupt("short body")
		}
		return &OpenRequest{Header: hdr, Dir: in.Opcode == wire.OpOpendir, Flags: r.Flags}, nil

	case wire.OpCreate:
		var r wire.CreateIn
		rest, err := wire.Unmarshal(body, &r)
		if err != nil {
			return nil, corrupt("short body")
		}
		body = rest
		n, err := name()
		if err != nil {
			return nil, err
		}
		return &CreateRequest{Header: hdr, Name: n, Flags: r.Flags, Perm: r.Mode & vfs.PermMask, Umask: r.Umask}, nil

	case wire.OpRead, wire.OpReaddir:
		var r wire.ReadIn
		if _, err := wire.Unmarshal(body, &r); err != nil {
			return nil, corrupt("short body")
		}
		return &ReadRequest{
			Header: hdr,
			Dir:    in.Opcode == wire.OpReaddir,
			Handle: HandleID(r.Fh),
			Offset: int64(r.Offset),
			Size:   int(r.Size),
			Flags:  r.Flags,
		}, nil

	case wire.OpWrite:
		var r wire.WriteIn
		rest, err := wire.Unmarshal(body, &r)
		if err != nil {
			return nil, corrupt("short body")
		}
		if uint64(r.Size) != uint64(len(rest)) {
			return nil, corrupt(fmt.Sprintf("write size %d with %d bytes of data", r.Size, len(rest)))
		}
		return &WriteRequest{
			Header: hdr,
			Handle: HandleID(r.Fh),
			Offset: int64(r.Offset),
			Data:   rest,
			Flags:  r.Flags,
		}, nil

	case wire.OpRelease, wire.OpReleasedir:
		var r wire.ReleaseIn
		if _, err := wire.Unmarshal(body, &r); err != nil {
			return nil, corrupt("short body")
		}
		return &ReleaseRequest{
			Header:       hdr,
			Dir:          in.Opcode == wire.OpReleasedir,
			Handle:       HandleID(r.Fh),
			Flags:        r.Flags,
			ReleaseFlags: r.ReleaseFlags,
		}, nil

	case wire.OpFlush:
		var r wire.FlushIn
		if _, err := wire.Unmarshal(body, &r); err != nil {
			return nil, corrupt("short body")
		}
		return &FlushRequest{Header: hdr, Handle: HandleID(r.Fh)}, nil

	case wire.OpFsync, wire.OpFsyncdir:
		var r wire.FsyncIn
		if _, err := wire.Unmarshal(body, &r); err != nil {
			return nil, corrupt("short body")
		}
		return &FsyncRequest{
			Header: hdr,
			Dir:    in.Opcode == wire.OpFsyncdir,
			Handle: HandleID(r.Fh),
			Flags:  r.FsyncFlags,
		}, nil

	case wire.OpStatfs:
		return &StatfsRequest{Header: hdr}, nil

	case wire.OpAccess:
		var r wire.AccessIn
		if _, err := wire.Unmarshal(body, &r); err != nil {
			return nil, corrupt("short body")
		}
		return &AccessRequest{Header: hdr, Mask: r.Mask}, nil

	case wire.OpInterrupt:
		var r wire.InterruptIn
		if _, err := wire.Unmarshal(body, &r); err != nil {
			return nil, corrupt("short body")
		}
		return &InterruptRequest{Header: hdr, IntrID: RequestID(r.Unique)}, nil

	case wire.OpDestroy:
		return &DestroyRequest{Header: hdr}, nil
	}

	// Unrecognized message.
	// Assume higher-level code will send a "no idea what you mean" error.
	c.logger.Debugf("unrecognized opcode %v", in.Opcode)
	return &hdr, nil
}

