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

// claspctl is a small diagnostic CLI that dials a running claspd over
// the reference TCP transport and issues a single request, printing
// the reply as a table (or, for ping, one status line). It mirrors ptpcheck's role in the facebook/time
// tree: a Swiss Army Knife for poking a running daemon from outside,
// not part of the router core.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// rootCmd is the main entry point, following ptpcheck's RootCmd convention.
var rootCmd = &cobra.Command{
	Use:   "claspctl",
	Short: "Diagnostic client for a running claspd",
}

var rootAddrFlag string
var rootTokenFlag string
var rootVerboseFlag bool

func init() {
	rootCmd.PersistentFlags().StringVar(&rootAddrFlag, "addr", "127.0.0.1:7770", "claspd TCP address")
	rootCmd.PersistentFlags().StringVar(&rootTokenFlag, "token", "", "auth token, if claspd runs in authenticated security_mode")
	rootCmd.PersistentFlags().BoolVarP(&rootVerboseFlag, "verbose", "v", false, "verbose output")
}

func configureVerbosity() {
	log.SetLevel(log.InfoLevel)
	if rootVerboseFlag {
		log.SetLevel(log.DebugLevel)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(color.RedString("%v", err))
		os.Exit(1)
	}
}
