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

package version

import (
	"regexp"
	"strings"

	"github.com/coreos/go-semver/semver"
	cerrors "github.com/pingcap/ipcbridge/pkg/errors"
)

var (
	// ProtocolVersion is the version of the frame protocol this build
	// speaks. A new message in an existing kind bumps the minor, a changed
	// message bumps the major.
	ProtocolVersion *semver.Version = semver.New("1.1.0")

	// minPeerProtocolVersion is the oldest protocol a peer may speak.
	// Compatible versions are in [minPeerProtocolVersion, next major).
	minPeerProtocolVersion *semver.Version = semver.New("1.0.0")
)

var versionHash = regexp.MustCompile("-[0-9]+-g[0-9a-f]{7,}(-dev)?")

func removeVAndHash(v string) string {
	if v == "" {
		return v
	}
	v = versionHash.ReplaceAllLiteralString(v, "")
	v = strings.TrimSuffix(v, "-dirty")
	return strings.TrimPrefix(v, "v")
}

// CheckProtocolVersion checks that a peer speaking peerVersion can share a
// channel with this process.
func CheckProtocolVersion(peerVersion string) error {
	v, err := semver.NewVersion(removeVAndHash(peerVersion))
	if err != nil {
		return cerrors.WrapError(cerrors.ErrVersionIncompatible, err,
			peerVersion, ProtocolVersion.String())
	}
	if v.Major != ProtocolVersion.Major || v.LessThan(*minPeerProtocolVersion) {
		return cerrors.ErrVersionIncompatible.GenWithStackByArgs(
			peerVersion, ProtocolVersion.String())
	}
	return nil
}
