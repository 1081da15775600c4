// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func runValidate(cmd *cobra.Command, args []string) error {
	app, err := buildApp(appOptions{})
	if err != nil {
		return err
	}
	defer app.Close()

	report, err := app.copilot.ValidateAll()
	if err != nil {
		return err
	}

	fmt.Printf("Total test case files: %d\n", report.TotalFiles)
	fmt.Printf("Valid files: %d\n", report.ValidFiles)
	fmt.Printf("Invalid files: %d\n", len(report.InvalidFiles))
	for _, msg := range report.Errors {
		fmt.Printf("  ✗ %s\n", msg)
	}
	if len(report.InvalidFiles) == 0 {
		fmt.Println("✓ All test cases are valid!")
	} else {
		return fmt.Errorf("%d test case file(s) failed validation", len(report.InvalidFiles))
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	app, err := buildApp(appOptions{})
	if err != nil {
		return err
	}
	defer app.Close()

	status := app.copilot.GetStatus()

	fmt.Printf("Status: %s\n", status.Status)
	fmt.Printf("Test cases: %d\n", status.TestCasesCount)
	fmt.Printf("Indexed: %d\n", status.IndexedCount)
	fmt.Printf("%s Product overview\n", mark(status.OverviewExists))
	fmt.Printf("%s OpenAI API key\n", mark(status.OpenAIConfigured))
	fmt.Printf("Reports directory: %s\n", status.ReportsDirectory)
	return nil
}

func runReindex(cmd *cobra.Command, args []string) error {
	app, err := buildApp(appOptions{})
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.copilot.Reindex(cmd.Context()); err != nil {
		return err
	}
	fmt.Printf("✓ Rebuilt index with %d test cases\n", app.retriever.IndexedCount())
	return nil
}

func runMetrics(cmd *cobra.Command, args []string) error {
	app, err := buildApp(appOptions{})
	if err != nil {
		return err
	}
	defer app.Close()

	summary, err := app.copilot.Metrics()
	if err != nil {
		return err
	}

	fmt.Printf("Total requests: %d\n", summary.TotalRequests)
	fmt.Printf("Success rate: %.1f%%\n", summary.SuccessRate*100)
	fmt.Printf("Total tokens used: %d\n", summary.TotalTokensUsed)
	fmt.Printf("Total cost: $%.4f\n", summary.TotalCost)
	fmt.Printf("Average response time: %s\n", summary.AverageResponseTime)
	fmt.Printf("Test cases generated: %d\n", summary.TestCasesGenerated)
	fmt.Printf("Test cases updated: %d\n", summary.TestCasesUpdated)
	fmt.Printf("Retry attempts: %d\n", summary.RetryAttempts)
	fmt.Printf("Schema validation failures: %d\n", summary.SchemaValidationFailures)
	fmt.Printf("Active sessions: %d\n", summary.ActiveSessions)
	return nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	app, err := buildApp(appOptions{})
	if err != nil {
		return err
	}
	defer app.Close()

	sessions, err := app.copilot.RecentSessions(sessionsLimit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded yet.")
		return nil
	}

	for _, s := range sessions {
		fmt.Printf("%s  %s  %s\n", s.StartTime.Format("2006-01-02 15:04:05"), s.Status, s.SessionID)
		fmt.Printf("  Request: %s\n", s.ChangeRequestPath)
		fmt.Printf("  Tokens: %d  Cost: $%.4f  Updated: %d  Created: %d\n",
			s.TokensUsed, s.Cost, s.TestCasesUpdated, s.TestCasesGenerated)
		if len(s.Errors) > 0 {
			fmt.Printf("  Errors: %d\n", len(s.Errors))
		}
	}
	return nil
}

func mark(ok bool) string {
	if ok {
		return "✓"
	}
	return "✗"
}
