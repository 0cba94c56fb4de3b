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

package util

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	cerrors "github.com/pingcap/ipcbridge/pkg/errors"
	"github.com/pingcap/ipcbridge/pkg/version"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
)

const (
	maxHTTPConnection     = 64
	httpConnectionTimeout = 10 * time.Second
)

// StatusProvider reports what /status shows besides the version.
type StatusProvider func(ctx context.Context) map[string]interface{}

// StatusServer serves /metrics and /status.
type StatusServer struct {
	server *http.Server
	lis    net.Listener
}

// StartStatusServer listens on addr and serves in the background until
// Close is called.
func StartStatusServer(addr string, status StatusProvider) (*StatusServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, cerrors.WrapError(cerrors.ErrInvalidArgument, err, "status-addr "+addr)
	}
	// LimitListener makes extra connections wait in a queue instead of
	// creating new goroutines.
	lis = netutil.LimitListener(lis, maxHTTPConnection)

	gin.SetMode(gin.ReleaseMode)
	// discard gin log output
	gin.DefaultWriter = io.Discard
	router := gin.New()
	// add gin.Recovery() to handle unexpected panic
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	router.GET("/status", func(c *gin.Context) {
		body := map[string]interface{}{
			"version":          version.ReleaseVersion,
			"git_hash":         version.GitHash,
			"protocol_version": version.ProtocolVersion.String(),
		}
		if status != nil {
			for k, v := range status(c.Request.Context()) {
				body[k] = v
			}
		}
		c.IndentedJSON(http.StatusOK, body)
	})

	s := &StatusServer{
		server: &http.Server{
			Handler:      router,
			ReadTimeout:  httpConnectionTimeout,
			WriteTimeout: httpConnectionTimeout,
		},
		lis: lis,
	}
	go func() {
		log.Info("status server is running", zap.String("addr", lis.Addr().String()))
		err := s.server.Serve(lis)
		if err != nil && err != http.ErrServerClosed {
			log.Error("status server error", zap.Error(err))
		}
	}()
	return s, nil
}

// Addr returns the address the server listens on.
func (s *StatusServer) Addr() string {
	return s.lis.Addr().String()
}

// Close stops the server.
func (s *StatusServer) Close() error {
	return s.server.Close()
}
