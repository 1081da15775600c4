// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const previewLines = 20

func runProcess(cmd *cobra.Command, args []string) error {
	app, err := buildApp(appOptions{requireModel: true})
	if err != nil {
		return err
	}
	defer app.Close()

	outcome, err := app.copilot.ProcessChangeRequest(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Println("✓ Change request processed successfully!")
	fmt.Printf("  Session: %s\n", outcome.SessionID)
	fmt.Printf("  Report: %s\n", outcome.ReportPath)
	fmt.Printf("  Test cases analyzed: %d\n", outcome.Analyzed)
	fmt.Printf("  Test cases updated: %d\n", outcome.Updated)
	fmt.Printf("  Test cases created: %d\n", outcome.Created)

	if showPreview {
		if err := printReportPreview(outcome.ReportPath); err != nil {
			app.logger.Warn("failed to preview report", "error", err)
		}
	}
	return nil
}

// printReportPreview echoes the first lines of the report so the result is
// visible without opening the file.
func printReportPreview(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	lines := strings.Split(string(data), "\n")
	n := len(lines)
	if n > previewLines {
		lines = lines[:previewLines]
	}
	fmt.Println()
	fmt.Println("--- Report Preview ---")
	fmt.Println(strings.Join(lines, "\n"))
	if n > previewLines {
		fmt.Println("...")
	}
	return nil
}
