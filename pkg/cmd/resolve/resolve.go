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

package resolve

import (
	"context"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/ipcbridge/pkg/cmd/util"
	"github.com/pingcap/ipcbridge/pkg/dns"
	cerrors "github.com/pingcap/ipcbridge/pkg/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const cancelWait = time.Second

// options defines flags for the `resolve` command.
type options struct {
	util.CommonOptions

	txt       bool
	canonical bool
	onlyIPv4  bool
	onlyIPv6  bool
}

// newOptions creates new options for the `resolve` command.
func newOptions() *options {
	return &options{}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (o *options) addFlags(cmd *cobra.Command) {
	o.CommonOptions.AddFlags(cmd)
	cmd.Flags().BoolVar(&o.txt, "txt", false, "Fetch TXT records instead of addresses")
	cmd.Flags().BoolVar(&o.canonical, "canonical", false, "Report the canonical name of the host")
	cmd.Flags().BoolVarP(&o.onlyIPv4, "ipv4", "4", false, "Only report IPv4 addresses")
	cmd.Flags().BoolVarP(&o.onlyIPv6, "ipv6", "6", false, "Only report IPv6 addresses")
}

func (o *options) lookup() (dns.Type, dns.Flags, error) {
	if o.onlyIPv4 && o.onlyIPv6 {
		return 0, 0, cerrors.ErrInvalidArgument.GenWithStackByArgs("--ipv4 and --ipv6 are exclusive")
	}
	typ := dns.TypeDefault
	if o.txt {
		typ = dns.TypeTXT
	}
	var flags dns.Flags
	if o.canonical {
		flags |= dns.FlagCanonicalName
	}
	if o.onlyIPv4 {
		flags |= dns.FlagDisableIPv6
	}
	if o.onlyIPv6 {
		flags |= dns.FlagDisableIPv4
	}
	return typ, flags, nil
}

type completion struct {
	rec    *dns.Record
	status error
}

type completionListener chan completion

func (c completionListener) OnLookupComplete(rec *dns.Record, status error) {
	c <- completion{rec: rec, status: status}
}

// resolve looks host up through the socket process of session and waits
// for the answer.
func resolve(ctx context.Context, session *util.Session, host string, typ dns.Type, flags dns.Flags) (*dns.Record, error) {
	lp := session.Parent.MainLoop()
	done := make(completionListener, 1)
	var sender *dns.Sender
	var startErr error
	err := session.Do(ctx, func() {
		sender = dns.NewSender(lp, session.Parent)
		startErr = sender.Start(host, typ, flags, done)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if startErr != nil {
		return nil, errors.Trace(startErr)
	}
	select {
	case c := <-done:
		return c.rec, c.status
	case <-ctx.Done():
		reason := cerrors.WrapError(cerrors.ErrAborted, ctx.Err())
		if !lp.Dispatch(func() { sender.Cancel(reason) }) {
			return nil, reason
		}
		// The sender completes with the cancel reason unless the answer
		// was already on its way.
		select {
		case c := <-done:
			return c.rec, c.status
		case <-time.After(cancelWait):
			return nil, reason
		}
	}
}

func (o *options) run(cmd *cobra.Command, host string) error {
	conf, err := o.LoadConfig(cmd)
	if err != nil {
		return errors.Trace(err)
	}
	typ, flags, err := o.lookup()
	if err != nil {
		return err
	}
	ctx, cancel := util.InitCmd(cmd, &conf.LogConf)
	defer cancel()
	util.InitSignalHandling(func() <-chan struct{} {
		cancel()
		return ctx.Done()
	}, cancel)

	session, err := util.NewSession(ctx, conf)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err := session.Close(conf.ShutdownTimeout); err != nil {
			log.Warn("session closed with errors", zap.Error(err))
		}
	}()

	rec, err := resolve(ctx, session, host, typ, flags)
	if err != nil {
		return err
	}
	return util.JSONPrint(cmd, rec)
}

// NewCmdResolve creates the `resolve` command.
func NewCmdResolve() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:   "resolve HOST",
		Short: "Resolve a host name through the socket process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, args[0])
		},
	}

	o.addFlags(command)

	return command
}
