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

package mountfsserver

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/kurafs/mountfs/pkg/boltfs"
	"github.com/kurafs/mountfs/pkg/cli"
	"github.com/kurafs/mountfs/pkg/config"
	"github.com/kurafs/mountfs/pkg/fuse"
	"github.com/kurafs/mountfs/pkg/log"
	"github.com/kurafs/mountfs/pkg/overlayfs"
	"github.com/kurafs/mountfs/pkg/ramfs"
	"github.com/kurafs/mountfs/pkg/vfs"
)

var MountfsServerCmd = &cli.Command{
	Run:       mountfsServerCmdRun,
	UsageLine: "mountfs-server [-addr host] [-port port] [-mounts file] [-max-conns n] [logger flags]",
	Short:     "serve a mount namespace and accept remote FUSE daemons",
	Long: `
The mountfs server builds a mount namespace and keeps it for as long as it
runs. The root filesystem and the initial mounts come from the YAML mount
table given with -mounts (see 'help mount-table'); without one the root is an
empty tmpfs.

FUSE daemons attach over the Channel gRPC service with 'export-server'. Each
attachment is mounted with the fuse filesystem type and detached when the
daemon goes away. gRPC and HTTP share one port: the HTTP side serves gRPC-Web
clients and the status pages /mounts and /devices.
    `,
}

func mountfsServerCmdRun(cmd *cli.Command, args []string) error {
	var (
		addrFlag     string
		portFlag     int
		mountsFlag   string
		maxConnsFlag int
		logFlags     log.CommandFlags
	)
	cmd.FlagSet.StringVar(&addrFlag, "addr", "127.0.0.1",
		"Address on which the server will listen")
	cmd.FlagSet.IntVar(&portFlag, "port", 10770,
		"Port on which the server will run on")
	cmd.FlagSet.StringVar(&mountsFlag, "mounts", "",
		"YAML mount table to build the namespace from")
	cmd.FlagSet.IntVar(&maxConnsFlag, "max-conns", 0,
		"Maximum number of concurrent connections, 0 for no limit")
	logFlags.Register(&cmd.FlagSet)
	if err := cmd.FlagSet.Parse(args); err != nil {
		return cli.CmdParseError(err)
	}
	if cmd.FlagSet.NArg() > 0 {
		return cli.CmdParseError(
			errors.New(fmt.Sprintf("unrecognized arguments: %v", cmd.FlagSet.Args())))
	}
	if maxConnsFlag < 0 {
		return cli.CmdParseError(errors.New("-max-conns must not be negative"))
	}

	logger := logFlags.Logger()

	table := &config.Table{Root: config.Root{Type: "tmpfs"}}
	if mountsFlag != "" {
		var err error
		if table, err = config.Load(mountsFlag); err != nil {
			logger.Error(err.Error())
			return err
		}
	}

	devs := fuse.NewDeviceTable(logger)
	registry, err := newRegistry(logger, devs)
	if err != nil {
		return err
	}
	ns, err := table.Namespace(context.Background(), logger, registry)
	if err != nil {
		logger.Error(err.Error())
		return err
	}

	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", addrFlag, portFlag))
	if err != nil {
		logger.Errorf("failed to open TCP port: %v", err)
		return err
	}
	wait, shutdown, err := Start(logger, lis, maxConnsFlag, ns, devs)
	if err != nil {
		return err
	}

	wait()
	shutdown()

	return nil
}

// newRegistry registers every filesystem type the server can mount.
func newRegistry(logger *log.Logger, devs *fuse.DeviceTable) (*vfs.Registry, error) {
	r := vfs.NewRegistry()
	if err := ramfs.Register(r); err != nil {
		return nil, err
	}
	if err := boltfs.Register(r, logger); err != nil {
		return nil, err
	}
	if err := overlayfs.Register(r, logger); err != nil {
		return nil, err
	}
	if err := fuse.Register(r, devs, logger); err != nil {
		return nil, err
	}
	return r, nil
}
