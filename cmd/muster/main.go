// Package main is the entry point for the Muster CLI
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/outpost-labs/muster/internal/config"
	"github.com/outpost-labs/muster/internal/db"
)

var cfg *config.Config

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:   "muster",
		Short: "Durable agent task orchestration",
		Long: `Muster runs LLM agent tasks as durable workflows. Each task drives a
reasoning loop of model calls and tool executions, survives process
restarts, and streams its progress as live events.`,
		Version: "0.1.0",
	}

	rootCmd.AddCommand(
		serveCmd(),
		agentCmd(),
		taskCmd(),
		demoCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore() (*db.Store, error) {
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := store.InitSchema(); err != nil {
		store.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return store, nil
}
