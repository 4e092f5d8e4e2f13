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

// Package cli allows the construction of structured command-line interfaces with sub-commands and
// help topics. This is very similar to the interface in git where the top-level program name (git)
// is preceded by a qualifier that determines what sub-command to execute
// (git {reflog,commit,cherry-pick}).
//
// Package cli explicitly avoid init time global hooks and has a minimal binary size footprint.
//
// Example (from kurafs/mountfs):
//
//      // We aggregate all the top-level commands, accessible via 'mountfs <command> ...', as needed.
//      var commands cli.Commands
//
//      // The namespace server, and the daemon that exports filesystems into it.
//      commands = append(commands, mountfsserver.MountfsServerCmd)
//      commands = append(commands, exportserver.ExportServerCmd)
//
//      // We also include documentation pseudo-commands.
//      commands = append(commands, doc.ArchitectureCmd)
//      commands = append(commands, doc.MountTableCmd)
//
//      // We define the top level CLI blurb here.
//      abstract := "mountfs is a mount namespace with overlay and FUSE filesystems in Go."
//      if err := cli.Process(abstract, commands); err != nil {
//      	os.Exit(1)
//      }
//
// This generates the following top-level behaviour:
//
//      $ mountfs {,-h,help}
//      mountfs is a mount namespace with overlay and FUSE filesystems in Go.
//
//      Usage:
//
//          mountfs command [arguments]
//
//      The commands are:
//
//              mountfs-server         serve a mount namespace and accept remote FUSE daemons
//              export-server          export a local filesystem into a mountfs server over FUSE
//
//      Use 'mountfs help [command]' for more information about a command.
//
//      Additional help topics:
//
//              architecture           mountfs system architecture overview
//              mount-table            mount table format and mount options
//
//      Use "mountfs help [topic]" for more information about that topic.
//
// Using help for a listed command displays to following:
//
//      $ mountfs help export-server
//      Usage: mountfs export-server [-server addr] [-type type] ... <target>
//
//      The export server creates a local filesystem ...
//
// Doing the same for an additional help topic, we get the following:
//
//      $ mountfs help mount-table
//      Topic: mount table format and mount options
//
//      The mount table given to 'mountfs-server -mounts' is a YAML document: ...
//
// Individual commands also have their own '-h' switches for additional command details.
//
//      $ mountfs mountfs-server -h
//      Usage:
//
//          mountfs mountfs-server [-addr host] [-port port] [-mounts file] [-max-conns n] [logger flags]
//
//          -addr string
//              Address on which the server will listen (default "127.0.0.1")
//          ...
//
package cli

// TODO(irfansharif): What about top level root command flags? Applicable across sub-commands?
