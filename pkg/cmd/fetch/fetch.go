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

package fetch

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/pingcap/errors"
	"github.com/pingcap/ipcbridge/pkg/clock"
	"github.com/pingcap/ipcbridge/pkg/cmd/util"
	cerrors "github.com/pingcap/ipcbridge/pkg/errors"
	"github.com/pingcap/ipcbridge/pkg/loop"
	"github.com/pingcap/ipcbridge/pkg/transaction"
	"github.com/pingcap/ipcbridge/pkg/version"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// options defines flags for the `fetch` command.
type options struct {
	util.CommonOptions

	method       string
	headers      []string
	output       string
	suspendAfter string
	suspendFor   time.Duration
}

// newOptions creates new options for the `fetch` command.
func newOptions() *options {
	return &options{}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (o *options) addFlags(cmd *cobra.Command) {
	o.CommonOptions.AddFlags(cmd)
	cmd.Flags().StringVarP(&o.method, "method", "X", http.MethodGet, "HTTP method of the request")
	cmd.Flags().StringArrayVarP(&o.headers, "header", "H", nil, "Request header in the form 'Key: Value', may be repeated")
	cmd.Flags().StringVarP(&o.output, "output", "o", "", "Write the body to this file instead of stdout")
	cmd.Flags().StringVar(&o.suspendAfter, "suspend-after", "", "Suspend the transfer once this many bytes arrived, e.g. 64KiB")
	cmd.Flags().DurationVar(&o.suspendFor, "suspend-for", time.Second, "How long a suspended transfer stays suspended")
}

// request is a single fetch.
type request struct {
	args         *transaction.InitArgs
	suspendAfter int64
	suspendFor   time.Duration
}

func (o *options) complete(url string) (*request, error) {
	header := make(map[string][]string, len(o.headers))
	for _, h := range o.headers {
		k, v, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, cerrors.ErrInvalidArgument.GenWithStackByArgs("header " + h)
		}
		k = http.CanonicalHeaderKey(strings.TrimSpace(k))
		header[k] = append(header[k], strings.TrimSpace(v))
	}
	req := &request{
		args: &transaction.InitArgs{
			Method: strings.ToUpper(o.method),
			URL:    url,
			Header: header,
		},
		suspendFor: o.suspendFor,
	}
	if o.suspendAfter != "" {
		n, err := units.RAMInBytes(o.suspendAfter)
		if err != nil || n <= 0 {
			return nil, cerrors.ErrInvalidArgument.GenWithStackByArgs("suspend-after " + o.suspendAfter)
		}
		req.suspendAfter = n
	}
	return req, nil
}

// result is what a finished fetch reports.
type result struct {
	status     error
	head       *transaction.ResponseHead
	meta       *transaction.StopMeta
	received   int64
	suspended  bool
	writeError error
}

// bodyWriter is the listener of a fetch. It runs on the loop of the
// parent process.
type bodyWriter struct {
	lp    *loop.Loop
	clk   clock.Clock
	shell *transaction.Shell
	w     io.Writer
	req   *request

	res  result
	done chan result
}

func (b *bodyWriter) OnStart(status error, meta *transaction.StartMeta) {
	if status == nil && meta != nil {
		b.res.head = meta.Head
	}
}

func (b *bodyWriter) OnData(data []byte, _ uint64, _ uint32) {
	b.res.received += int64(len(data))
	if b.res.writeError == nil {
		if _, err := b.w.Write(data); err != nil {
			b.res.writeError = errors.Trace(err)
			b.shell.Cancel(err)
			return
		}
	}
	if b.req.suspendAfter > 0 && !b.res.suspended && b.res.received >= b.req.suspendAfter {
		b.res.suspended = true
		b.shell.Suspend()
		log.Info("transfer suspended",
			zap.Int64("received", b.res.received), zap.Duration("for", b.req.suspendFor))
		b.clk.AfterFunc(b.req.suspendFor, func() {
			b.lp.Dispatch(func() {
				if err := b.shell.Resume(); err != nil {
					log.Warn("resume failed", zap.Error(err))
				}
			})
		})
	}
}

func (b *bodyWriter) OnStop(status error, meta *transaction.StopMeta) {
	b.res.status = status
	b.res.meta = meta
	b.done <- b.res
}

// fetcher runs requests over a session.
type fetcher struct {
	session *util.Session
	// clk times the resume of a suspended transfer.
	clk clock.Clock
}

// start issues req on the loop of the parent process. The result arrives
// on the returned channel.
func (f *fetcher) start(ctx context.Context, req *request, w io.Writer) (*transaction.Shell, <-chan result, error) {
	lp := f.session.Parent.MainLoop()
	b := &bodyWriter{lp: lp, clk: f.clk, w: w, req: req, done: make(chan result, 1)}
	var startErr error
	err := f.session.Do(ctx, func() {
		b.shell = transaction.NewShell(lp, f.session.Parent)
		if startErr = b.shell.Init(req.args); startErr != nil {
			return
		}
		startErr = b.shell.AsyncRead(b)
	})
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	if startErr != nil {
		return nil, nil, errors.Trace(startErr)
	}
	return b.shell, b.done, nil
}

// cancel cancels shell with reason on the loop of the parent process.
func (f *fetcher) cancel(shell *transaction.Shell, reason error) {
	f.session.Parent.MainLoop().Dispatch(func() { shell.Cancel(reason) })
}

func (o *options) run(cmd *cobra.Command, url string) error {
	conf, err := o.LoadConfig(cmd)
	if err != nil {
		return errors.Trace(err)
	}
	req, err := o.complete(url)
	if err != nil {
		return errors.Trace(err)
	}
	ctx, cancel := util.InitCmd(cmd, &conf.LogConf)
	defer cancel()
	version.LogVersionInfo("fetch")
	util.LogHTTPProxies()

	w := cmd.OutOrStdout()
	if o.output != "" {
		file, err := os.Create(o.output)
		if err != nil {
			return errors.Trace(err)
		}
		defer file.Close()
		w = file
	}

	session, err := util.NewSession(ctx, conf)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err := session.Close(conf.ShutdownTimeout); err != nil {
			log.Warn("session closed with errors", zap.Error(err))
		}
	}()

	f := &fetcher{session: session, clk: clock.New()}
	shell, done, err := f.start(ctx, req, w)
	if err != nil {
		return err
	}
	stopped := make(chan struct{})
	util.InitSignalHandling(func() <-chan struct{} {
		f.cancel(shell, cerrors.ErrAborted.FastGenByArgs())
		return stopped
	}, cancel)

	var res result
	select {
	case res = <-done:
		close(stopped)
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
	printSummary(cmd, req, &res)
	if res.writeError != nil {
		return res.writeError
	}
	return res.status
}

func printSummary(cmd *cobra.Command, req *request, res *result) {
	out := cmd.ErrOrStderr()
	if res.head != nil {
		cmd.PrintErrf("%s %s: %d %s\n", req.args.Method, req.args.URL,
			res.head.StatusCode, http.StatusText(res.head.StatusCode))
	}
	line := "received " + humanize.Bytes(uint64(res.received))
	if res.meta != nil && res.meta.Timings.Total > 0 {
		line += " in " + res.meta.Timings.Total.Round(time.Millisecond).String()
	}
	cmd.PrintErrln(line)
	if res.suspended {
		cmd.PrintErrf("transfer was suspended for %s\n", req.suspendFor)
	}
	if res.status != nil {
		_, _ = color.New(color.FgHiYellow).Fprintf(out, "[WARN] request failed: %s\n", res.status)
	} else if res.meta != nil && !res.meta.ResponseComplete {
		_, _ = color.New(color.FgHiYellow).Fprintln(out, "[WARN] response is incomplete")
	}
}

// NewCmdFetch creates the `fetch` command.
func NewCmdFetch() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:   "fetch URL",
		Short: "Fetch a URL through the socket process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, args[0])
		},
	}

	o.addFlags(command)

	return command
}
