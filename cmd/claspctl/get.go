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
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/clasp-router/clasp/value"
	"github.com/clasp-router/clasp/wire"
)

// toInterface renders a value.Value as a plain Go value for table
// printing; claspctl is a diagnostic tool, not a codec, so it only
// needs enough fidelity to be readable.
func toInterface(v value.Value) interface{} {
	switch v.Kind() {
	case value.KindNull:
		return nil
	case value.KindBool:
		b, _ := v.AsBool()
		return b
	case value.KindInt:
		i, _ := v.AsInt()
		return i
	case value.KindFloat:
		f, _ := v.AsFloat()
		return f
	case value.KindString:
		s, _ := v.AsString()
		return s
	case value.KindBytes:
		b, _ := v.AsBytes()
		return b
	case value.KindArray:
		arr, _ := v.AsArray()
		out := make([]interface{}, len(arr))
		for i, e := range arr {
			out[i] = toInterface(e)
		}
		return out
	case value.KindMap:
		entries, _ := v.AsMap()
		out := make(map[string]interface{}, len(entries))
		for _, e := range entries {
			out[e.Key] = toInterface(e.Value)
		}
		return out
	default:
		return nil
	}
}

// printResult renders a Get/Snapshot/Query reply as a table, the same
// way ptpcheck's "sources" subcommand renders UNICAST_MASTER_TABLE_NP
// rows: a tablewriter.Writer over os.Stdout with a fixed column width
// and one Append per row.
func printResult(res *wire.Result) error {
	if len(res.Entries) == 0 {
		fmt.Println("(no entries)")
		return nil
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetColWidth(20)
	table.SetHeader([]string{"address", "value", "revision", "timestamp_us"})
	for _, e := range res.Entries {
		table.Append([]string{
			e.Address,
			fmt.Sprintf("%v", toInterface(e.Value)),
			fmt.Sprintf("%d", e.Revision),
			fmt.Sprintf("%d", e.TimestampUs),
		})
	}
	table.Render()
	return nil
}

var getCmd = &cobra.Command{
	Use:   "get <address>",
	Short: "Read a single Parameter entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configureVerbosity()
		ctx := context.Background()
		c, err := dial(ctx, rootAddrFlag, rootTokenFlag)
		if err != nil {
			return err
		}
		defer c.Close()

		reply, err := c.request(ctx, &wire.Get{Address: args[0]})
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

func init() {
	rootCmd.AddCommand(getCmd)
}
