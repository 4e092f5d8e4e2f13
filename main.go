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

package main

import (
	"os"

	"github.com/kurafs/mountfs/doc"
	"github.com/kurafs/mountfs/pkg/cli"

	exportserver "github.com/kurafs/mountfs/cmd/export-server"
	mountfsserver "github.com/kurafs/mountfs/cmd/mountfs-server"
)

func main() {
	// We aggregate all the top-level commands (i.e. 'mountfs <command> ...')
	// as needed.
	var commands cli.Commands

	// The namespace server, and the daemon that exports filesystems into it.
	commands = append(commands, mountfsserver.MountfsServerCmd)
	commands = append(commands, exportserver.ExportServerCmd)

	// We also include documentation pseudo-commands for the architecture and
	// the mount table format.
	commands = append(commands, doc.ArchitectureCmd)
	commands = append(commands, doc.MountTableCmd)

	// We define the top level CLI abstract here.
	abstract := "mountfs is a mount namespace with overlay and FUSE filesystems in Go."
	if err := cli.Process(abstract, commands); err != nil {
		os.Exit(1)
	}
}
