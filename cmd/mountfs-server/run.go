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
	"net"
	"net/http"
	"sort"
	"sync"

	"github.com/improbable-eng/grpc-web/go/grpcweb"
	"github.com/kurafs/mountfs/pkg/fuse"
	"github.com/kurafs/mountfs/pkg/fuse/remote"
	"github.com/kurafs/mountfs/pkg/log"
	"github.com/kurafs/mountfs/pkg/vfs"
	"github.com/soheilhy/cmux"
	"golang.org/x/net/netutil"
	"google.golang.org/grpc"
	yaml "gopkg.in/yaml.v3"
)

// Start serves the Channel service and the status pages on lis. At most
// maxConns connections are accepted at once, if positive. Shutting down
// stops both servers, which detaches every attached daemon, and unmounts
// what is left of the namespace.
func Start(logger *log.Logger, lis net.Listener, maxConns int, ns *vfs.Namespace, devs *fuse.DeviceTable) (wait func(), shutdown func(), err error) {
	var wg sync.WaitGroup

	if maxConns > 0 {
		lis = netutil.LimitListener(lis, maxConns)
	}

	// Create a cmux; multiplex grpc and http over the same listener.
	mux := cmux.New(lis)

	// Match connections in order: First grpc, then everything else for web.
	// grpc-go clients wait for the server's SETTINGS frame before sending
	// headers, so the matcher has to send it.
	grpcL := mux.MatchWithWriters(cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"))
	httpL := mux.Match(cmux.Any())

	grpcServer := grpc.NewServer()
	remote.RegisterChannelServer(grpcServer, remote.NewServer(logger, ns, devs))

	httpServer := http.Server{Handler: newStatusHandler(ns, devs, grpcServer)}

	wg.Add(1)
	go func() {
		defer wg.Done()

		logger.Infof("serving RPC server on %v", lis.Addr())
		if err := grpcServer.Serve(grpcL); err != nil {
			logger.Errorf("grpc server error: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		logger.Infof("serving HTTP server on %v", lis.Addr())
		if err := httpServer.Serve(httpL); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http server error: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		if err := mux.Serve(); err != nil {
			logger.Debugf("cmux server stopped: %v", err)
		}
	}()

	var once sync.Once
	shutdown = func() {
		once.Do(func() {
			lis.Close()
			grpcServer.Stop()
			httpServer.Shutdown(context.Background())
			teardown(logger, ns)
		})
	}

	return wg.Wait, shutdown, nil
}

// teardown unmounts every mount but the root, deepest first.
func teardown(logger *log.Logger, ns *vfs.Namespace) {
	mounts := ns.Mounts()
	sort.Slice(mounts, func(i, j int) bool { return mounts[i].ID > mounts[j].ID })
	for _, m := range mounts {
		if m.ParentID == 0 {
			continue
		}
		if err := ns.Unmount(context.Background(), m.Target); err != nil {
			logger.Warnf("unmount %s: %v", m.Target, err)
		}
	}
}

// statusHandler serves gRPC-Web requests and the status pages.
type statusHandler struct {
	mux     *http.ServeMux
	wrapped *grpcweb.WrappedGrpcServer
	ns      *vfs.Namespace
	devs    *fuse.DeviceTable
}

func newStatusHandler(ns *vfs.Namespace, devs *fuse.DeviceTable, grpcServer *grpc.Server) *statusHandler {
	h := &statusHandler{
		mux: http.NewServeMux(),
		wrapped: grpcweb.WrapServer(grpcServer,
			grpcweb.WithOriginFunc(func(string) bool { return true }),
			grpcweb.WithWebsockets(true)),
		ns:   ns,
		devs: devs,
	}
	h.mux.HandleFunc("/mounts", h.mounts)
	h.mux.HandleFunc("/devices", h.devices)
	return h
}

func (h *statusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.wrapped.IsGrpcWebRequest(r) || h.wrapped.IsAcceptableGrpcCorsRequest(r) ||
		h.wrapped.IsGrpcWebSocketRequest(r) {
		h.wrapped.ServeHTTP(w, r)
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *statusHandler) mounts(w http.ResponseWriter, r *http.Request) {
	h.yaml(w, h.ns.Mounts())
}

func (h *statusHandler) devices(w http.ResponseWriter, r *http.Request) {
	type device struct {
		Fd    int    `yaml:"fd"`
		Conn  uint64 `yaml:"conn"`
		State string `yaml:"state"`
	}
	var devices []device
	for _, fd := range h.devs.Fds() {
		dev, err := h.devs.Get(fd)
		if err != nil {
			continue // Closed since listed.
		}
		c := dev.Conn()
		devices = append(devices, device{Fd: fd, Conn: c.ID(), State: c.State().String()})
	}
	h.yaml(w, devices)
}

func (h *statusHandler) yaml(w http.ResponseWriter, v interface{}) {
	out, err := yaml.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(out)
}
