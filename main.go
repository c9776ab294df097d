// Package main is the entry point for the Orthrus playbook engine.
package main

import (
	"context"
	"fmt"
	"os"

	"orthrus/bootstrap"
	"orthrus/cmd"
)

// run initializes and starts the engine, then blocks until a shutdown
// signal arrives.
func run(configPath string) error {
	ctx := context.Background()

	app, err := bootstrap.NewApp(ctx, configPath)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.WaitForShutdown()
	app.Shutdown()
	return nil
}

func main() {
	// CLI mode: "orthrus playbooks ..." manages definitions offline.
	if len(os.Args) > 1 && os.Args[1] == "playbooks" {
		os.Args = append([]string{os.Args[0]}, os.Args[2:]...)

		playbooksCmd := cmd.NewPlaybooksCmd()
		if err := playbooksCmd.Execute(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configPath := os.Getenv("ORTHRUS_CONFIG")
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	if err := run(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
