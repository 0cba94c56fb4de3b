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

package cmd

import (
	"os"

	"github.com/pingcap/ipcbridge/pkg/cmd/fetch"
	"github.com/pingcap/ipcbridge/pkg/cmd/resolve"
	"github.com/pingcap/ipcbridge/pkg/cmd/server"
	"github.com/pingcap/ipcbridge/pkg/cmd/version"
	"github.com/spf13/cobra"
)

// NewCmd creates the root command.
func NewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ipcbridge",
		Short: "Run network requests through a socket process",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}
}

// AddSubCommands adds every sub command to cmd.
func AddSubCommands(cmd *cobra.Command) {
	cmd.AddCommand(server.NewCmdServer())
	cmd.AddCommand(fetch.NewCmdFetch())
	cmd.AddCommand(resolve.NewCmdResolve())
	cmd.AddCommand(version.NewCmdVersion())
}

// Run runs the root command.
func Run() {
	cmd := NewCmd()

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	AddSubCommands(cmd)

	if err := cmd.Execute(); err != nil {
		cmd.PrintErrln(err)
		os.Exit(1)
	}
}
