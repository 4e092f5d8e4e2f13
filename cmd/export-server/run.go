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

package exportserver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kurafs/mountfs/pkg/boltfs"
	"github.com/kurafs/mountfs/pkg/cli"
	"github.com/kurafs/mountfs/pkg/fuse/daemon"
	"github.com/kurafs/mountfs/pkg/fuse/remote"
	"github.com/kurafs/mountfs/pkg/log"
	"github.com/kurafs/mountfs/pkg/ramfs"
	"github.com/kurafs/mountfs/pkg/vfs"
	"google.golang.org/grpc"
	yaml "gopkg.in/yaml.v3"
)

var ExportServerCmd = &cli.Command{
	Run:       exportServerCmdRun,
	UsageLine: "export-server [-server addr] [-type type] [-source source] [-options opts] [-mount-options opts] [-max-write n] [-list] [logger flags] <target>",
	Short:     "export a local filesystem into a mountfs server over FUSE",
	Long: `
The export server creates a local filesystem (an in-memory ramfs by default,
or a boltfs database named by -source) and serves it as a FUSE daemon. The
connection is attached to the mountfs server given by -server and mounted
there at <target>, which must be an existing directory in the server's
namespace.

The mount lasts until the export server exits; an interrupt detaches it.
With -list the server's mount table is printed instead.
    `,
}

func exportServerCmdRun(cmd *cli.Command, args []string) error {
	var (
		serverFlag       string
		typeFlag         string
		sourceFlag       string
		optionsFlag      string
		mountOptionsFlag string
		maxWriteFlag     uint
		listFlag         bool
		logFlags         log.CommandFlags
	)

	cmd.FlagSet.StringVar(&serverFlag, "server", "localhost:10770",
		"Address of the mountfs server [host:port]")
	cmd.FlagSet.StringVar(&typeFlag, "type", ramfs.TypeName,
		"Type of the exported filesystem (ramfs, tmpfs or boltfs)")
	cmd.FlagSet.StringVar(&sourceFlag, "source", "",
		"Source of the exported filesystem, the database file for boltfs")
	cmd.FlagSet.StringVar(&optionsFlag, "options", "",
		"Options of the exported filesystem, e.g. mode=755,size=64M")
	cmd.FlagSet.StringVar(&mountOptionsFlag, "mount-options", "",
		"Extra fuse mount options on the server, e.g. max_read=65536")
	cmd.FlagSet.UintVar(&maxWriteFlag, "max-write", 128<<10,
		"Largest write the server may send in one request")
	cmd.FlagSet.BoolVar(&listFlag, "list", false,
		"Print the server's mount table and exit")
	logFlags.Register(&cmd.FlagSet)

	if err := cmd.FlagSet.Parse(args); err != nil {
		return cli.CmdParseError(err)
	}

	if cmd.FlagSet.NArg() > 1 {
		return cli.CmdParseError(
			errors.New(fmt.Sprintf("unrecognized arguments: %v", cmd.FlagSet.Args()[1:])))
	}
	if cmd.FlagSet.NArg() == 0 && !listFlag {
		return cli.CmdParseError(errors.New("unspecified target"))
	}

	logger := logFlags.Logger()

	conn, err := grpc.Dial(serverFlag, grpc.WithInsecure())
	if err != nil {
		logger.Error(err.Error())
		return err
	}
	defer conn.Close()
	client := remote.NewClient(conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if listFlag {
		return list(ctx, client)
	}

	fs, err := NewFilesystem(ctx, logger, typeFlag, sourceFlag, optionsFlag)
	if err != nil {
		logger.Error(err.Error())
		return err
	}
	if u, ok := fs.(vfs.Unmounter); ok {
		defer u.Unmount(context.Background())
	}

	return Export(ctx, logger, client, fs, Config{
		Target:       cmd.FlagSet.Arg(0),
		Source:       fmt.Sprintf("%s:%s", typeFlag, sourceFlag),
		MountOptions: mountOptionsFlag,
		MaxWrite:     uint32(maxWriteFlag),
	})
}

// NewFilesystem creates the filesystem to export: a ramfs, tmpfs or boltfs
// built from source and options the way the mount table would.
func NewFilesystem(ctx context.Context, logger *log.Logger, fstype, source, options string) (vfs.Filesystem, error) {
	r := vfs.NewRegistry()
	if err := ramfs.Register(r); err != nil {
		return nil, err
	}
	if err := boltfs.Register(r, logger); err != nil {
		return nil, err
	}
	opts, err := vfs.ParseOptions(options)
	if err != nil {
		return nil, err
	}
	return r.Instantiate(ctx, fstype, &vfs.MountData{Source: source, Options: opts})
}

// Config describes an export.
type Config struct {
	Target       string // Directory in the server's namespace
	Source       string
	MountOptions string // Extra fuse mount options
	MaxWrite     uint32 // Zero for the daemon default
}

// Export attaches fs at the configured target and serves it until the
// server unmounts it or the process is interrupted.
func Export(ctx context.Context, logger *log.Logger, client *remote.Client, fs vfs.Filesystem, cfg Config) error {
	dev, err := client.Attach(ctx, cfg.Target, cfg.Source, cfg.MountOptions)
	if err != nil {
		logger.Errorf("attaching at %s: %v", cfg.Target, err)
		return err
	}
	defer dev.Close()
	logger.Infof("attached at %s as mount %d", cfg.Target, dev.Mount())

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigc)
	go func() {
		select {
		case sig := <-sigc:
			logger.Infof("%v received, detaching", sig)
			dev.Close()
		case <-ctx.Done():
		}
	}()

	var options []daemon.Option
	if cfg.MaxWrite != 0 {
		options = append(options, daemon.MaxWrite(cfg.MaxWrite))
	}
	if err := daemon.Serve(ctx, logger, dev, fs, options...); err != nil {
		logger.Error(err.Error())
		return err
	}
	logger.Infof("detached from %s", cfg.Target)
	return nil
}

func list(ctx context.Context, client *remote.Client) error {
	mounts, err := client.Mounts(ctx)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(mounts)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
