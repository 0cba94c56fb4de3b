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
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap/errors"
	"github.com/pingcap/ipcbridge/pkg/config"
	"github.com/pingcap/ipcbridge/pkg/logutil"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/net/http/httpproxy"
)

// InitCmd initializes the logger and returns a context canceled by the
// returned function.
func InitCmd(cmd *cobra.Command, logCfg *logutil.Config) (context.Context, context.CancelFunc) {
	err := logutil.InitLogger(logCfg)
	if err != nil {
		cmd.Printf("init logger error %v\n", errors.ErrorStack(err))
		os.Exit(1)
	}
	log.Info("init log", zap.String("file", logCfg.File), zap.String("level", logCfg.Level))
	return context.WithCancel(context.Background())
}

// shutdownNotify is a callback to notify caller that the process is about to
// shutdown. It returns a done channel which is closed when shutdown is
// complete. It must be non-blocking.
type shutdownNotify func() <-chan struct{}

// InitSignalHandling initializes signal handling.
// It must be called after InitCmd.
func InitSignalHandling(shutdown shutdownNotify, cancel context.CancelFunc) {
	// systemd and k8s send signals twice. The first is for graceful shutdown,
	// and the second is for force shutdown.
	signalChanLen := 2
	sc := make(chan os.Signal, signalChanLen)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	go func() {
		sig := <-sc
		log.Info("got signal, prepare to shutdown", zap.Stringer("signal", sig))
		done := shutdown()
		select {
		case <-done:
			log.Info("shutdown complete")
		case sig = <-sc:
			log.Info("got signal, force shutdown", zap.Stringer("signal", sig))
		}
		cancel()
	}()
}

// LogHTTPProxies logs HTTP proxy relative environment variables.
func LogHTTPProxies() {
	fields := findProxyFields()
	if len(fields) > 0 {
		log.Info("using proxy config", fields...)
	}
}

func findProxyFields() []zap.Field {
	proxyCfg := httpproxy.FromEnvironment()
	fields := make([]zap.Field, 0, 3)
	if proxyCfg.HTTPProxy != "" {
		fields = append(fields, zap.String("http_proxy", proxyCfg.HTTPProxy))
	}
	if proxyCfg.HTTPSProxy != "" {
		fields = append(fields, zap.String("https_proxy", proxyCfg.HTTPSProxy))
	}
	if proxyCfg.NoProxy != "" {
		fields = append(fields, zap.String("no_proxy", proxyCfg.NoProxy))
	}
	return fields
}

// CommonOptions are the flags shared by every command.
type CommonOptions struct {
	ConfigFilePath    string
	LogLevel          string
	LogFile           string
	StatusAddr        string
	SocketProcessAddr string
}

// AddFlags binds the common flags to cmd.
func (o *CommonOptions) AddFlags(cmd *cobra.Command) {
	def := config.GetDefaultConfig()
	cmd.Flags().StringVar(&o.ConfigFilePath, "config", "", "Path of the configuration file")
	cmd.Flags().StringVar(&o.LogLevel, "log-level", def.LogConf.Level, "log level (etc: debug|info|warn|error)")
	cmd.Flags().StringVar(&o.LogFile, "log-file", def.LogConf.File, "log file path")
	cmd.Flags().StringVar(&o.StatusAddr, "status-addr", def.StatusAddr, "Address serving /metrics and /status, empty to disable")
	cmd.Flags().StringVar(&o.SocketProcessAddr, "socket-process", def.SocketProcessAddr,
		"Address of the socket process, empty to run it in-process")
}

// LoadConfig builds the config from the default, the config file and the
// flags the user set, in this order.
func (o *CommonOptions) LoadConfig(cmd *cobra.Command) (*config.Config, error) {
	conf := config.GetDefaultConfig()
	if len(o.ConfigFilePath) > 0 {
		if err := conf.ConfigFromFile(o.ConfigFilePath); err != nil {
			return nil, errors.Trace(err)
		}
	}
	cmd.Flags().Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "log-level":
			conf.LogConf.Level = o.LogLevel
		case "log-file":
			conf.LogConf.File = o.LogFile
		case "status-addr":
			conf.StatusAddr = o.StatusAddr
		case "socket-process":
			conf.SocketProcessAddr = o.SocketProcessAddr
		}
	})
	if err := conf.Adjust(); err != nil {
		return nil, errors.Trace(err)
	}
	return conf, nil
}

// JSONPrint will output the data in JSON format.
func JSONPrint(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Printf("%s\n", data)
	return nil
}

// CheckErr is used to cmd err.
func CheckErr(err error) {
	cobra.CheckErr(err)
}
