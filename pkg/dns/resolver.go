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

package dns

import (
	"context"
	"net"
	"strings"
	"time"

	cerrors "github.com/pingcap/ipcbridge/pkg/errors"
)

// Resolver performs lookups in the worker process. Resolve may block and is
// never called on a loop.
type Resolver interface {
	Resolve(ctx context.Context, args *ResolveArgs) (*Record, error)
}

// NetResolver resolves names with a net.Resolver.
type NetResolver struct {
	r *net.Resolver
}

// NewNetResolver wraps r. A nil r means net.DefaultResolver.
func NewNetResolver(r *net.Resolver) *NetResolver {
	if r == nil {
		r = net.DefaultResolver
	}
	return &NetResolver{r: r}
}

// Resolve implements Resolver.
func (n *NetResolver) Resolve(ctx context.Context, args *ResolveArgs) (*Record, error) {
	rec := &Record{Host: args.Host}
	switch args.Type {
	case TypeTXT:
		txt, err := n.r.LookupTXT(ctx, args.Host)
		if err != nil {
			return nil, n.mapError(ctx, err)
		}
		rec.TXT = txt
		return rec, nil
	case TypeDefault:
	default:
		return nil, cerrors.ErrInvalidArgument.GenWithStackByArgs("lookup type " + args.Type.String())
	}

	network := "ip"
	switch {
	case args.Flags.Has(FlagDisableIPv4 | FlagDisableIPv6):
		return nil, cerrors.ErrInvalidArgument.GenWithStackByArgs("both address families disabled")
	case args.Flags.Has(FlagDisableIPv4):
		network = "ip6"
	case args.Flags.Has(FlagDisableIPv6):
		network = "ip4"
	}
	ips, err := n.r.LookupIP(ctx, network, args.Host)
	if err != nil {
		return nil, n.mapError(ctx, err)
	}
	for _, ip := range ips {
		rec.Addrs = append(rec.Addrs, ip.String())
	}
	if args.Flags.Has(FlagCanonicalName) {
		cname, err := n.r.LookupCNAME(ctx, args.Host)
		if err != nil {
			return nil, n.mapError(ctx, err)
		}
		rec.CanonicalName = strings.TrimSuffix(cname, ".")
	}
	return rec, nil
}

func (n *NetResolver) mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil && cause != context.Canceled {
			return cause
		}
		return cerrors.ErrAborted.FastGenByArgs()
	}
	return cerrors.WrapError(cerrors.ErrResolveFailed, err)
}

type timeoutResolver struct {
	inner   Resolver
	timeout time.Duration
}

// WithTimeout bounds every lookup of r by d. A lookup that runs out of time
// fails with ErrResolveFailed.
func WithTimeout(r Resolver, d time.Duration) Resolver {
	if d <= 0 {
		return r
	}
	return &timeoutResolver{inner: r, timeout: d}
}

func (t *timeoutResolver) Resolve(ctx context.Context, args *ResolveArgs) (*Record, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, t.timeout,
		cerrors.ErrResolveFailed.GenWithStack("lookup of %s timed out after %s", args.Host, t.timeout))
	defer cancel()
	return t.inner.Resolve(ctx, args)
}
