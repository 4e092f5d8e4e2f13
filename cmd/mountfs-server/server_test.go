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
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/kurafs/mountfs/pkg/config"
	"github.com/kurafs/mountfs/pkg/fuse"
	"github.com/kurafs/mountfs/pkg/fuse/daemon"
	"github.com/kurafs/mountfs/pkg/fuse/remote"
	"github.com/kurafs/mountfs/pkg/log"
	"github.com/kurafs/mountfs/pkg/ramfs"
	"google.golang.org/grpc"
)

const testTable = `
root:
  type: tmpfs
mounts:
  - target: /scratch
    type: ramfs
    options: size=1M
    mkdir: true
  - target: /remote
    type: tmpfs
    options: mode=700
    mkdir: true
`

func get(t *testing.T, addr, path string) string {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://%s%s", addr, path))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatal(fmt.Sprintf("GET %s: %s", path, resp.Status))
	}
	return string(body)
}

func TestServer(t *testing.T) {
	ctx := context.Background()
	logger := log.Discarder()

	table, err := config.Parse([]byte(testTable))
	if err != nil {
		t.Fatal(err)
	}
	devs := fuse.NewDeviceTable(logger)
	registry, err := newRegistry(logger, devs)
	if err != nil {
		t.Fatal(err)
	}
	ns, err := table.Namespace(ctx, logger, registry)
	if err != nil {
		t.Fatal(err)
	}
	if err := ns.Mkdir(ctx, "/remote/export", 0755); err != nil {
		t.Fatal(err)
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := lis.Addr().String()
	wait, shutdown, err := Start(logger, lis, 8, ns, devs)
	if err != nil {
		t.Fatal(err)
	}

	cc, err := grpc.Dial(addr, grpc.WithInsecure())
	if err != nil {
		t.Fatal(err)
	}
	defer cc.Close()
	dev, err := remote.NewClient(cc).Attach(ctx, "/remote/export", "test-daemon", "")
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()
	done := make(chan error, 1)
	go func() {
		done <- daemon.Serve(ctx, logger, dev, ramfs.New(ramfs.Config{}))
	}()

	if err := ns.WriteFile(ctx, "/remote/export/f", []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}

	mounts := get(t, addr, "/mounts")
	for _, want := range []string{"target: /scratch", "target: /remote/export", "source: test-daemon", "type: fuse"} {
		if !strings.Contains(mounts, want) {
			t.Error(fmt.Sprintf("expected %q in /mounts:\n%s", want, mounts))
		}
	}
	devices := get(t, addr, "/devices")
	if !strings.Contains(devices, "state: active") {
		t.Error(fmt.Sprintf("expected an active device in /devices:\n%s", devices))
	}

	shutdown()
	wait()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon still running after shutdown")
	}
	// Attachments detach as their streams are torn down.
	deadline := time.Now().Add(10 * time.Second)
	for len(ns.Mounts()) != 1 {
		if time.Now().After(deadline) {
			t.Fatal(fmt.Sprintf("expected only the root after shutdown, got %+v", ns.Mounts()))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
