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

package rpc

import (
	"context"
	"net"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/pingcap/errors"
	cerrors "github.com/pingcap/ipcbridge/pkg/errors"
	"github.com/pingcap/ipcbridge/pkg/loop"
	"github.com/pingcap/ipcbridge/pkg/version"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	gbackoff "google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	gRPCPeer "google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	unknownPeerLabel = "unknown"
	// protocolVersionKey is the stream metadata carrying the protocol
	// version of the client.
	protocolVersionKey = "ipcbridge-protocol-version"
)

// Server accepts channels from a parent process. Each accepted stream
// becomes a Transport whose frames are delivered on lp.
type Server struct {
	lp           *loop.Loop
	onConnect    func(t *Transport) error
	onDisconnect func(err error)
	server       *grpc.Server
}

// NewServer creates a server. onConnect is called for every new stream
// before any frame is delivered; it should bind the transport to a
// receiver, or return an error to reject the stream.
func NewServer(lp *loop.Loop, onConnect func(t *Transport) error, opts ...grpc.ServerOption) *Server {
	s := &Server{lp: lp, onConnect: onConnect}
	serverOpts := append([]grpc.ServerOption{
		grpc.ForceServerCodec(frameCodec{}),
		grpc_middleware.WithStreamServerChain(
			grpc_recovery.StreamServerInterceptor(),
			grpcServerMetrics.StreamServerInterceptor(),
		),
	}, opts...)
	s.server = grpc.NewServer(serverOpts...)
	s.server.RegisterService(&bridgeServiceDesc, s)
	grpcServerMetrics.InitializeMetrics(s.server)
	return s
}

// OnDisconnect sets a callback run after an accepted stream ends. It must
// be called before Serve.
func (s *Server) OnDisconnect(fn func(err error)) {
	s.onDisconnect = fn
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	return errors.Trace(s.server.Serve(lis))
}

// Stop closes the listener and every open stream.
func (s *Server) Stop() {
	s.server.Stop()
}

func (s *Server) connect(stream grpc.ServerStream) error {
	clientAddr := unknownPeerLabel
	if p, ok := gRPCPeer.FromContext(stream.Context()); ok {
		clientAddr = p.Addr.String()
	}
	if err := checkClientVersion(stream.Context()); err != nil {
		log.Warn("bridge stream rejected",
			zap.String("client-addr", clientAddr), zap.Error(err))
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	t := newTransport(sideServer, s.lp, stream, 2)
	if err := s.onConnect(t); err != nil {
		log.Warn("bridge stream rejected",
			zap.String("client-addr", clientAddr), zap.Error(err))
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	log.Info("bridge stream accepted", zap.String("client-addr", clientAddr))
	err := t.Run(stream.Context())
	log.Info("bridge stream finished",
		zap.String("client-addr", clientAddr), zap.Error(err))
	if s.onDisconnect != nil {
		s.onDisconnect(err)
	}
	if err != nil {
		return status.Error(codes.Aborted, err.Error())
	}
	return nil
}

func checkClientVersion(ctx context.Context) error {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(protocolVersionKey)
	if len(values) == 0 {
		return cerrors.ErrVersionIncompatible.GenWithStackByArgs("unknown", version.ProtocolVersion.String())
	}
	return version.CheckProtocolVersion(values[0])
}

// Dial opens a channel to the server at target. The returned transport is
// not running yet; bind it and then call Run.
func Dial(ctx context.Context, target string, lp *loop.Loop, opts ...grpc.DialOption) (*Transport, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStreamInterceptor(grpcClientMetrics.StreamClientInterceptor()),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: gbackoff.Config{
				BaseDelay:  100 * time.Millisecond,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   3 * time.Second,
			},
			MinConnectTimeout: 3 * time.Second,
		}),
	}, opts...)
	conn, err := grpc.DialContext(ctx, target, dialOpts...)
	if err != nil {
		return nil, cerrors.WrapError(cerrors.ErrTransportStream, err)
	}

	streamCtx, cancel := context.WithCancel(metadata.AppendToOutgoingContext(
		context.Background(), protocolVersionKey, version.ProtocolVersion.String()))
	stream, err := conn.NewStream(streamCtx, connectStreamDesc, connectMethod,
		grpc.ForceCodec(frameCodec{}))
	if err != nil {
		cancel()
		_ = conn.Close()
		if status.Code(err) == codes.Unavailable {
			return nil, cerrors.WrapError(cerrors.ErrTransportUnavailable, err, target)
		}
		return nil, cerrors.WrapError(cerrors.ErrTransportStream, err)
	}

	t := newTransport(sideClient, lp, stream, 1)
	t.closeSend = stream.CloseSend
	t.cancelStream = cancel
	t.release = func() {
		cancel()
		if err := conn.Close(); err != nil {
			log.Warn("failed to close bridge connection",
				zap.String("target", target), zap.Error(err))
		}
	}
	log.Info("bridge stream opened", zap.String("target", target))
	return t, nil
}
