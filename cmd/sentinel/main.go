// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command sentinel runs the safety control plane for the agent runtime:
// the kill switch, safe-mode controller, violation classifier, and the
// HTTP surface the scheduler polls.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	logJSON    bool
)

func main() {
	root := &cobra.Command{
		Use:   "sentinel",
		Short: "Safety control plane for the agent runtime",
		Long: `sentinel is the safety control plane of the agent runtime: a global
emergency stop with distributed acknowledgment and compliance
verification, a graduated safe-mode controller, and a rule-based
violation classifier that drives both.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit JSON logs on stderr")

	root.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newTriggerCmd(),
		newRecoverCmd(),
		newSelfTestCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
