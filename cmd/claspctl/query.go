/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/clasp-router/clasp/wire"
)

// queryCmd sends a Query. The server answers Query from its parameter
// store, the same way it answers Snapshot; it keeps no registry of
// announced signals, so only Parameter entries are listed.
var queryCmd = &cobra.Command{
	Use:   "query <pattern>",
	Short: "List Parameter entries matching a pattern",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configureVerbosity()
		ctx := context.Background()
		c, err := dial(ctx, rootAddrFlag, rootTokenFlag)
		if err != nil {
			return err
		}
		defer c.Close()

		reply, err := c.request(ctx, &wire.Query{Pattern: args[0]})
		if err != nil {
			return err
		}
		switch m := reply.(type) {
		case *wire.Result:
			return printResult(m)
		case *wire.Error:
			return m
		default:
			return fmt.Errorf("unexpected reply: %T", reply)
		}
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Round-trip a Ping/Pong and report the server's clock",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		configureVerbosity()
		ctx := context.Background()
		c, err := dial(ctx, rootAddrFlag, rootTokenFlag)
		if err != nil {
			return err
		}
		defer c.Close()

		reply, err := c.request(ctx, &wire.Ping{})
		if err != nil {
			return err
		}
		switch m := reply.(type) {
		case *wire.Pong:
			fmt.Printf("%s server_time_us=%d\n", color.GreenString("pong:"), m.ServerTimeUs)
			return nil
		case *wire.Error:
			return m
		default:
			return fmt.Errorf("unexpected reply: %T", reply)
		}
	},
}

func init() {
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(pingCmd)
}
