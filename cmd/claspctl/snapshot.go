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

	"github.com/spf13/cobra"

	"github.com/clasp-router/clasp/wire"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <pattern>",
	Short: "Dump every Parameter entry matching a pattern, one chunk at a time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configureVerbosity()
		ctx := context.Background()
		c, err := dial(ctx, rootAddrFlag, rootTokenFlag)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.send(ctx, &wire.Snapshot{Pattern: args[0]}); err != nil {
			return err
		}

		seen := map[uint16]bool{}
		var total uint16 = 1
		for uint16(len(seen)) < total {
			reply, err := c.recv(ctx)
			if err != nil {
				return err
			}
			switch m := reply.(type) {
			case *wire.Result:
				total = m.ChunkTotal
				seen[m.ChunkIndex] = true
				if err := printResult(m); err != nil {
					return err
				}
			case *wire.Error:
				return m
			default:
				return fmt.Errorf("unexpected reply: %T", reply)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
}
