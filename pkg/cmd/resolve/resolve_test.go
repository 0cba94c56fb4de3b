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
	"testing"
	"time"

	"github.com/pingcap/ipcbridge/pkg/cmd/util"
	"github.com/pingcap/ipcbridge/pkg/config"
	"github.com/pingcap/ipcbridge/pkg/dns"
	cerrors "github.com/pingcap/ipcbridge/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestLookupFlags(t *testing.T) {
	t.Parallel()

	cases := []struct {
		o     options
		typ   dns.Type
		flags dns.Flags
	}{
		{options{}, dns.TypeDefault, 0},
		{options{txt: true}, dns.TypeTXT, 0},
		{options{canonical: true, onlyIPv4: true}, dns.TypeDefault, dns.FlagCanonicalName | dns.FlagDisableIPv6},
		{options{onlyIPv6: true}, dns.TypeDefault, dns.FlagDisableIPv4},
	}
	for _, c := range cases {
		typ, flags, err := c.o.lookup()
		require.NoError(t, err)
		require.Equal(t, c.typ, typ)
		require.Equal(t, c.flags, flags)
	}

	o := options{onlyIPv4: true, onlyIPv6: true}
	_, _, err := o.lookup()
	require.ErrorIs(t, err, cerrors.ErrInvalidArgument)
}

func TestResolveThroughSession(t *testing.T) {
	t.Parallel()

	conf := config.GetDefaultConfig()
	conf.StatusAddr = ""
	conf.Watchdog.Enable = false
	require.NoError(t, conf.Adjust())
	session, err := util.NewSession(context.Background(), conf)
	require.NoError(t, err)
	defer func() { require.NoError(t, session.Close(10*time.Second)) }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// IP literals resolve without a name server.
	rec, err := resolve(ctx, session, "127.0.0.1", dns.TypeDefault, dns.FlagDisableIPv6)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", rec.Host)
	require.Equal(t, []string{"127.0.0.1"}, rec.Addrs)

	// Statuses without a local error come back as remote failures.
	_, err = resolve(ctx, session, "127.0.0.1", dns.TypeDefault, dns.FlagDisableIPv4|dns.FlagDisableIPv6)
	require.ErrorIs(t, err, cerrors.ErrRemoteFailure)
	require.Contains(t, err.Error(), "IPC:ErrInvalidArgument")
}
