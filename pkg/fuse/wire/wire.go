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

// Package wire holds the FUSE message formats shared by the kernel side of
// the bridge and the daemon library. Layouts follow version 7.31 of the Linux
// FUSE protocol byte for byte; all integers are little-endian.
package wire

import "fmt"

// Protocol version spoken by the kernel side.
const (
	KernelVersion      = 7
	KernelMinorVersion = 31

	// MinMinorVersion is the oldest minor version either side accepts.
	MinMinorVersion = 12
)

// RootID is the node ID of the root of every FUSE mount.
const RootID = 1

// MinMaxWrite is the smallest max_write the kernel side accepts; smaller
// values negotiated at INIT are raised to it.
const MinMaxWrite = 4096

// Opcode identifies a FUSE request.
type Opcode uint32

const (
	OpLookup      Opcode = 1
	OpForget      Opcode = 2 // no reply
	OpGetattr     Opcode = 3
	OpSetattr     Opcode = 4
	OpReadlink    Opcode = 5
	OpSymlink     Opcode = 6
	OpMknod       Opcode = 8
	OpMkdir       Opcode = 9
	OpUnlink      Opcode = 10
	OpRmdir       Opcode = 11
	OpRename      Opcode = 12
	OpLink        Opcode = 13
	OpOpen        Opcode = 14
	OpRead        Opcode = 15
	OpWrite       Opcode = 16
	OpStatfs      Opcode = 17
	OpRelease     Opcode = 18
	OpFsync       Opcode = 20
	OpSetxattr    Opcode = 21
	OpGetxattr    Opcode = 22
	OpListxattr   Opcode = 23
	OpRemovexattr Opcode = 24
	OpFlush       Opcode = 25
	OpInit        Opcode = 26
	OpOpendir     Opcode = 27
	OpReaddir     Opcode = 28
	OpReleasedir  Opcode = 29
	OpFsyncdir    Opcode = 30
	OpGetlk       Opcode = 31
	OpSetlk       Opcode = 32
	OpSetlkw      Opcode = 33
	OpAccess      Opcode = 34
	OpCreate      Opcode = 35
	OpInterrupt   Opcode = 36
	OpBmap        Opcode = 37
	OpDestroy     Opcode = 38
	OpIoctl       Opcode = 39
	OpPoll        Opcode = 40
	OpNotifyReply Opcode = 41
	OpBatchForget Opcode = 42
	OpFallocate   Opcode = 43
	OpReaddirplus Opcode = 44
	OpRename2     Opcode = 45
	OpLseek       Opcode = 46
	OpCopyRange   Opcode = 47
)

var opNames = map[Opcode]string{
	OpLookup:      "LOOKUP",
	OpForget:      "FORGET",
	OpGetattr:     "GETATTR",
	OpSetattr:     "SETATTR",
	OpReadlink:    "READLINK",
	OpSymlink:     "SYMLINK",
	OpMknod:       "MKNOD",
	OpMkdir:       "MKDIR",
	OpUnlink:      "UNLINK",
	OpRmdir:       "RMDIR",
	OpRename:      "RENAME",
	OpLink:        "LINK",
	OpOpen:        "OPEN",
	OpRead:        "READ",
	OpWrite:       "WRITE",
	OpStatfs:      "STATFS",
	OpRelease:     "RELEASE",
	OpFsync:       "FSYNC",
	OpSetxattr:    "SETXATTR",
	OpGetxattr:    "GETXATTR",
	OpListxattr:   "LISTXATTR",
	OpRemovexattr: "REMOVEXATTR",
	OpFlush:       "FLUSH",
	OpInit:        "INIT",
	OpOpendir:     "OPENDIR",
	OpReaddir:     "READDIR",
	OpReleasedir:  "RELEASEDIR",
	OpFsyncdir:    "FSYNCDIR",
	OpGetlk:       "GETLK",
	OpSetlk:       "SETLK",
	OpSetlkw:      "SETLKW",
	OpAccess:      "ACCESS",
	OpCreate:      "CREATE",
	OpInterrupt:   "INTERRUPT",
	OpBmap:        "BMAP",
	OpDestroy:     "DESTROY",
	OpIoctl:       "IOCTL",
	OpPoll:        "POLL",
	OpNotifyReply: "NOTIFY_REPLY",
	OpBatchForget: "BATCH_FORGET",
	OpFallocate:   "FALLOCATE",
	OpReaddirplus: "READDIRPLUS",
	OpRename2:     "RENAME2",
	OpLseek:       "LSEEK",
	OpCopyRange:   "COPY_FILE_RANGE",
}

func (op Opcode) String() string {
	if s, ok := opNames[op]; ok {
		return s
	}
	return fmt.Sprintf("OPCODE(%d)", uint32(op))
}

// InitFlags are the capability bits exchanged in INIT.
type InitFlags uint32

const (
	InitAsyncRead         InitFlags = 1 << 0
	InitPosixLocks        InitFlags = 1 << 1
	InitFileOps           InitFlags = 1 << 2
	InitAtomicTrunc       InitFlags = 1 << 3
	InitExportSupport     InitFlags = 1 << 4
	InitBigWrites         InitFlags = 1 << 5
	InitDontMask          InitFlags = 1 << 6
	InitSpliceWrite       InitFlags = 1 << 7
	InitSpliceMove        InitFlags = 1 << 8
	InitSpliceRead        InitFlags = 1 << 9
	InitFlockLocks        InitFlags = 1 << 10
	InitHasIoctlDir       InitFlags = 1 << 11
	InitAutoInvalData     InitFlags = 1 << 12
	InitDoReaddirplus     InitFlags = 1 << 13
	InitReaddirplusAuto   InitFlags = 1 << 14
	InitAsyncDIO          InitFlags = 1 << 15
	InitWritebackCache    InitFlags = 1 << 16
	InitNoOpenSupport     InitFlags = 1 << 17
	InitParallelDirops    InitFlags = 1 << 18
	InitHandleKillpriv    InitFlags = 1 << 19
	InitPosixACL          InitFlags = 1 << 20
	InitAbortError        InitFlags = 1 << 21
	InitMaxPages          InitFlags = 1 << 22
	InitCacheSymlinks     InitFlags = 1 << 23
	InitNoOpendirSupport  InitFlags = 1 << 24
	InitExplicitInvalData InitFlags = 1 << 25
)

var initFlagNames = []struct {
	bit  InitFlags
	name string
}{
	{InitAsyncRead, "ASYNC_READ"},
	{InitPosixLocks, "POSIX_LOCKS"},
	{InitFileOps, "FILE_OPS"},
	{InitAtomicTrunc, "ATOMIC_O_TRUNC"},
	{InitExportSupport, "EXPORT_SUPPORT"},
	{InitBigWrites, "BIG_WRITES"},
	{InitDontMask, "DONT_MASK"},
	{InitSpliceWrite, "SPLICE_WRITE"},
	{InitSpliceMove, "SPLICE_MOVE"},
	{InitSpliceRead, "SPLICE_READ"},
	{InitFlockLocks, "FLOCK_LOCKS"},
	{InitHasIoctlDir, "HAS_IOCTL_DIR"},
	{InitAutoInvalData, "AUTO_INVAL_DATA"},
	{InitDoReaddirplus, "DO_READDIRPLUS"},
	{InitReaddirplusAuto, "READDIRPLUS_AUTO"},
	{InitAsyncDIO, "ASYNC_DIO"},
	{InitWritebackCache, "WRITEBACK_CACHE"},
	{InitNoOpenSupport, "NO_OPEN_SUPPORT"},
	{InitParallelDirops, "PARALLEL_DIROPS"},
	{InitHandleKillpriv, "HANDLE_KILLPRIV"},
	{InitPosixACL, "POSIX_ACL"},
	{InitAbortError, "ABORT_ERROR"},
	{InitMaxPages, "MAX_PAGES"},
	{InitCacheSymlinks, "CACHE_SYMLINKS"},
	{InitNoOpendirSupport, "NO_OPENDIR_SUPPORT"},
	{InitExplicitInvalData, "EXPLICIT_INVAL_DATA"},
}

func (fl InitFlags) String() string {
	var s []byte
	for _, f := range initFlagNames {
		if fl&f.bit == 0 {
			continue
		}
		if len(s) > 0 {
			s = append(s, '+')
		}
		s = append(s, f.name...)
		fl &^= f.bit
	}
	if fl != 0 {
		if len(s) > 0 {
			s = append(s, '+')
		}
		s = append(s, fmt.Sprintf("%#x", uint32(fl))...)
	}
	if len(s) == 0 {
		return "0"
	}
	return string(s)
}

// KernelInitFlags are the capabilities the kernel side asks for. The
// daemon's reply is intersected with them.
const KernelInitFlags = InitAsyncRead | InitAtomicTrunc | InitBigWrites | InitDontMask |
	InitMaxPages | InitCacheSymlinks | InitNoOpenSupport | InitNoOpendirSupport

// Setattr valid bits.
const (
	SetattrMode     = 1 << 0
	SetattrUid      = 1 << 1
	SetattrGid      = 1 << 2
	SetattrSize     = 1 << 3
	SetattrAtime    = 1 << 4
	SetattrMtime    = 1 << 5
	SetattrHandle   = 1 << 6
	SetattrAtimeNow = 1 << 7
	SetattrMtimeNow = 1 << 8
	SetattrCtime    = 1 << 10
)

// Open reply flags.
const (
	OpenDirectIO    = 1 << 0
	OpenKeepCache   = 1 << 1
	OpenNonSeekable = 1 << 2
	OpenCacheDir    = 1 << 3
)

// Release flags.
const ReleaseFlush = 1 << 0

// Write flags.
const (
	WriteCache     = 1 << 0
	WriteLockOwner = 1 << 1
)

// Getattr flags.
const GetattrFh = 1 << 0
