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

package doc

import "github.com/kurafs/mountfs/pkg/cli"

var ArchitectureCmd = &cli.Command{
	UsageLine: "architecture",
	Short:     "mountfs system architecture overview",
	Long: `
A mountfs server holds one mount namespace: a tree of mounts, each attaching
the root of a filesystem instance to a directory of its parent mount. Paths
are resolved one component at a time, crossing into child mounts, climbing
out of mount roots on "..", and following symbolic links up to a bounded
depth.

Filesystem types are registered by name and instantiated from a source and an
option string, as mount(2) does:

    ramfs, tmpfs   in-memory trees, with an optional size budget
    boltfs         a persistent tree in a bolt database file
    overlay        an upper directory stacked on read-only lower ones, with
                   copy-up on write and whiteouts for removed names
    fuse           a tree served by a daemon over a FUSE connection

FUSE connections are opened from the server's device table. Remote daemons
reach it over the Channel gRPC service: 'export-server' serves a local
filesystem, attaches to the server and stays mounted until either side hangs
up. The server speaks gRPC and HTTP (gRPC-Web and the /mounts and /devices
status pages) on a single port.
`,
}
