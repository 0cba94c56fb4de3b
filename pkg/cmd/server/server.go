// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"net"
	"time"

	"github.com/fatih/color"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/ipcbridge/pkg/cmd/util"
	"github.com/pingcap/ipcbridge/pkg/config"
	cerrors "github.com/pingcap/ipcbridge/pkg/errors"
	"github.com/pingcap/ipcbridge/pkg/ipc/rpc"
	"github.com/pingcap/ipcbridge/pkg/version"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultListenAddr = "127.0.0.1:8311"

// options defines flags for the `socket-process` command.
type options struct {
	util.CommonOptions

	addr string
}

// newOptions creates new options for the `socket-process` command.
func newOptions() *options {
	return &options{}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (o *options) addFlags(cmd *cobra.Command) {
	o.CommonOptions.AddFlags(cmd)
	cmd.Flags().StringVar(&o.addr, "addr", defaultListenAddr, "Set the address the parent process connects to")
}

func (o *options) complete(cmd *cobra.Command) (*config.Config, error) {
	conf, err := o.LoadConfig(cmd)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if o.addr == "" {
		return nil, cerrors.ErrInvalidArgument.GenWithStackByArgs("empty listening address")
	}
	if _, _, err := net.SplitHostPort(o.addr); err != nil {
		return nil, cerrors.WrapError(cerrors.ErrInvalidArgument, err, "addr "+o.addr)
	}
	if conf.SocketProcessAddr != "" {
		cmd.PrintErrln(color.HiYellowString("[WARN] --socket-process is ignored by the socket process itself"))
	}
	return conf, nil
}

// socketServer serves one parent process over gRPC. It stops once the
// parent goes away.
type socketServer struct {
	conf   *config.Config
	proc   *util.SocketProcess
	server *rpc.Server

	g         *errgroup.Group
	ctx       context.Context
	cancel    context.CancelFunc
	connected atomic.Bool
}

func newSocketServer(conf *config.Config) *socketServer {
	s := &socketServer{
		conf: conf,
		proc: util.NewSocketProcess("socket", conf),
	}
	s.server = rpc.NewServer(s.proc.MainLoop(), s.onConnect)
	s.server.OnDisconnect(s.onDisconnect)
	return s
}

// onConnect binds the first stream to the process and rejects the others.
func (s *socketServer) onConnect(t *rpc.Transport) error {
	if !s.connected.CompareAndSwap(false, true) {
		return cerrors.ErrInvalidArgument.GenWithStackByArgs("a parent process is already connected")
	}
	failpoint.Inject("SocketServerRejectParent", func() {
		failpoint.Return(cerrors.ErrActorUnavailable.FastGenByArgs())
	})
	w := util.NewWatchdog(s.proc.Process, s.conf)
	err := s.proc.MainLoop().DispatchSync(s.ctx, func() {
		s.proc.Attach(t)
		if w != nil {
			s.proc.EnableWatchdog(w)
		}
	})
	if err != nil {
		return errors.Trace(err)
	}
	if w != nil {
		s.g.Go(func() error { return w.Run(s.ctx) })
	}
	return nil
}

func (s *socketServer) onDisconnect(err error) {
	if err != nil {
		log.Warn("parent process lost, shutting down", zap.Error(err))
	} else {
		log.Info("parent process disconnected, shutting down")
	}
	s.cancel()
}

// status reports the actors alive in the process.
func (s *socketServer) status(ctx context.Context) map[string]interface{} {
	status := map[string]interface{}{"connected": s.connected.Load()}
	err := s.proc.MainLoop().DispatchSync(ctx, func() {
		status["actors"] = s.proc.ActorCount()
	})
	if err != nil {
		status["error"] = err.Error()
	}
	return status
}

// run serves lis until ctx is done or the parent disconnects.
func (s *socketServer) run(ctx context.Context, lis net.Listener) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()
	s.g, s.ctx = errgroup.WithContext(s.ctx)
	s.g.Go(func() error {
		return s.proc.Run(s.ctx)
	})
	s.g.Go(func() error {
		return s.server.Serve(lis)
	})
	s.g.Go(func() error {
		<-s.ctx.Done()
		s.server.Stop()
		return s.proc.Close()
	})
	err := s.g.Wait()
	if errors.Cause(err) == context.Canceled {
		return nil
	}
	return errors.Trace(err)
}

func (o *options) run(cmd *cobra.Command) error {
	conf, err := o.complete(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := util.InitCmd(cmd, &conf.LogConf)
	defer cancel()
	version.LogVersionInfo("socket-process")
	for _, path := range failpoint.List() {
		status, err := failpoint.Status(path)
		if err != nil {
			log.Error("fail to get failpoint status", zap.Error(err))
		}
		log.Info("failpoint enabled", zap.String("path", path), zap.String("status", status))
	}
	util.LogHTTPProxies()

	lis, err := net.Listen("tcp", o.addr)
	if err != nil {
		return errors.Annotate(err, "listen")
	}
	s := newSocketServer(conf)

	if conf.StatusAddr != "" {
		statusServer, err := util.StartStatusServer(conf.StatusAddr, s.status)
		if err != nil {
			_ = lis.Close()
			return errors.Trace(err)
		}
		defer statusServer.Close()
	}

	stopped := make(chan struct{})
	util.InitSignalHandling(func() <-chan struct{} {
		cancel()
		return stopped
	}, cancel)

	log.Info("socket process is listening", zap.String("addr", lis.Addr().String()))
	start := time.Now()
	err = s.run(ctx, lis)
	close(stopped)
	if err != nil {
		log.Error("run socket process", zap.String("error", errors.ErrorStack(err)))
		return errors.Annotate(err, "run socket process")
	}
	log.Info("socket process exits successfully", zap.Duration("uptime", time.Since(start)))
	return nil
}

// NewCmdServer creates the `socket-process` command.
func NewCmdServer() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:   "socket-process",
		Short: "Start a socket process serving one parent process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd)
		},
	}

	o.addFlags(command)

	return command
}
