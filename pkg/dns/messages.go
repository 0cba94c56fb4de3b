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
	cerrors "github.com/pingcap/ipcbridge/pkg/errors"
)

// Type selects what a lookup asks for.
type Type uint16

// Lookup types.
const (
	// TypeDefault resolves a host to its addresses.
	TypeDefault Type = iota
	// TypeTXT fetches the TXT records of a name.
	TypeTXT
)

func (t Type) String() string {
	switch t {
	case TypeDefault:
		return "default"
	case TypeTXT:
		return "txt"
	default:
		return "unknown"
	}
}

// Flags modify a lookup.
type Flags uint32

// Lookup flags.
const (
	// FlagCanonicalName asks for the canonical name of the host as well.
	FlagCanonicalName Flags = 1 << iota
	// FlagDisableIPv4 drops IPv4 addresses from the result.
	FlagDisableIPv4
	// FlagDisableIPv6 drops IPv6 addresses from the result.
	FlagDisableIPv6
)

// Has returns whether every flag in f2 is set in f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// ResolveArgs is the payload of TagResolve.
type ResolveArgs struct {
	Host  string `msgpack:"host"`
	Type  Type   `msgpack:"type"`
	Flags Flags  `msgpack:"flags"`
}

// CancelLookupArgs is the payload of TagCancelLookup.
type CancelLookupArgs struct {
	Status cerrors.Status `msgpack:"status"`
}

// Record is the result of a lookup.
type Record struct {
	Host          string   `msgpack:"host"`
	CanonicalName string   `msgpack:"canonical_name"`
	Addrs         []string `msgpack:"addrs"`
	TXT           []string `msgpack:"txt"`
}

// LookupCompletedArgs is the payload of TagLookupCompleted.
type LookupCompletedArgs struct {
	Status cerrors.Status `msgpack:"status"`
	Record *Record        `msgpack:"record"`
}
