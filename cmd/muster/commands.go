package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/spf13/cobra"

	"github.com/outpost-labs/muster/internal/activities"
	"github.com/outpost-labs/muster/internal/agents"
	"github.com/outpost-labs/muster/internal/db"
	"github.com/outpost-labs/muster/internal/events"
	"github.com/outpost-labs/muster/internal/llm"
	"github.com/outpost-labs/muster/internal/manager"
	"github.com/outpost-labs/muster/internal/mcp"
	"github.com/outpost-labs/muster/internal/server"
	"github.com/outpost-labs/muster/internal/service"
	"github.com/outpost-labs/muster/internal/webhooks"
	"github.com/outpost-labs/muster/internal/workflow"
	"github.com/outpost-labs/muster/pkg/types"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	if cfg.DBOSDatabaseURL == "" {
		return fmt.Errorf("MUSTER_DBOS_DATABASE_URL is required for serve (PostgreSQL URL for durable workflow state)")
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.NewBus()
	defer bus.Close()
	eventStore := events.NewStore(store.DB)
	publisher := events.NewPublisher(eventStore, bus)

	provider, err := llm.CreateProvider(llm.ProviderConfig{
		Type:    cfg.LLMProvider,
		APIKey:  cfg.LLMAPIKey,
		BaseURL: cfg.LLMBaseURL,
	})
	if err != nil {
		return fmt.Errorf("creating LLM provider: %w", err)
	}

	set := &activities.Set{
		Resolver:  agents.NewStoreResolver(store),
		Dialer:    mcp.SSEDialer{},
		Provider:  provider,
		Publisher: publisher,
		Tracker: llm.NewCostTracker(llm.CostBudgetConfig{
			Enabled:     cfg.CostBudgetEnabled,
			HourlyLimit: cfg.CostHourlyLimit,
			DailyLimit:  cfg.CostDailyLimit,
		}),
	}

	signals := workflow.NewSignalRegistry()
	runs := workflow.NewRunRegistry()
	engine := workflow.NewEngine(&workflow.DurableRunner{Set: set}, signals, runs)
	engine.Exhaustion = workflow.ExhaustionPolicy(cfg.ExhaustionPolicy)

	dbosCtx, err := dbos.NewDBOSContext(context.Background(), dbos.Config{
		AppName:     cfg.AppName,
		DatabaseURL: cfg.DBOSDatabaseURL,
	})
	if err != nil {
		return fmt.Errorf("initializing DBOS: %w", err)
	}

	// Queue and workflow registration must precede Launch.
	coordinator := workflow.NewCoordinator(dbosCtx, engine, store, publisher, signals, runs)
	coordinator.RegisterWorkflows()

	if err := dbos.Launch(dbosCtx); err != nil {
		return fmt.Errorf("launching DBOS: %w", err)
	}
	defer dbos.Shutdown(dbosCtx, 5*time.Second)

	mgr := manager.New(store, coordinator, signals, runs, publisher)
	svc := service.New(store, mgr, bus, eventStore)
	svc.StreamTimeout = cfg.StreamTimeout

	hooks := webhooks.NewManager()
	hooks.Start(2)
	hookCtx, hookCancel := context.WithCancel(context.Background())
	defer hookCancel()
	hooks.Follow(hookCtx, bus)
	if cfg.WebhookURL != "" {
		if err := hooks.Register(&webhooks.Webhook{
			URL:     cfg.WebhookURL,
			Secret:  cfg.WebhookSecret,
			Enabled: true,
		}); err != nil {
			return fmt.Errorf("registering webhook: %w", err)
		}
	}

	srv := server.New(cfg.HTTPAddr, svc, hooks, cfg.Verbose)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	fmt.Printf("muster listening on %s\n", cfg.HTTPAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down HTTP server: %w", err)
	}
	if err := hooks.Stop(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "webhook shutdown: %v\n", err)
	}
	return nil
}

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agent definitions",
	}
	cmd.AddCommand(agentCreateCmd(), agentListCmd(), agentDeleteCmd())
	return cmd
}

func agentCreateCmd() *cobra.Command {
	var (
		model          string
		instruction    string
		toolServers    []string
		maxIterations  int
		timeoutSeconds int
		budgetUSD      float64
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			agent := &db.AgentRecord{
				Name:           args[0],
				Model:          model,
				Instruction:    instruction,
				ToolServers:    toolServers,
				MaxIterations:  maxIterations,
				TimeoutSeconds: timeoutSeconds,
				BudgetUSD:      budgetUSD,
			}
			if err := store.CreateAgent(cmd.Context(), agent); err != nil {
				return err
			}
			fmt.Printf("created agent %s (%s)\n", agent.Name, agent.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "gpt-4o-mini", "Model the agent reasons with")
	cmd.Flags().StringVarP(&instruction, "instruction", "i", "", "System instruction")
	cmd.Flags().StringSliceVar(&toolServers, "tool-server", nil, "Tool server binding (name=url), repeatable")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Iteration limit (0 = server default)")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 0, "Run timeout in seconds (0 = server default)")
	cmd.Flags().Float64Var(&budgetUSD, "budget", 0, "Per-run cost budget in USD (0 = unlimited)")
	return cmd
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			agentList, err := store.ListAgents(cmd.Context())
			if err != nil {
				return err
			}
			for _, a := range agentList {
				fmt.Printf("%s  %-20s  %-15s  servers=%d\n", a.ID, a.Name, a.Model, len(a.ToolServers))
			}
			return nil
		},
	}
}

func agentDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <agent-id>",
		Short: "Delete an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			return store.DeleteAgent(cmd.Context(), args[0])
		},
	}
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}
	cmd.AddCommand(taskAddCmd(), taskListCmd(), taskStatusCmd(), taskEventsCmd(), taskConversationCmd())
	return cmd
}

func taskAddCmd() *cobra.Command {
	var (
		agentID     string
		userID      string
		title       string
		description string
	)
	cmd := &cobra.Command{
		Use:   "add <query>",
		Short: "Create a pending task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			query := strings.Join(args, " ")
			if title == "" {
				title = query
			}
			if description == "" {
				description = query
			}
			task := &types.Task{
				AgentID:     agentID,
				UserID:      userID,
				Title:       title,
				Description: description,
				Query:       query,
			}
			if err := store.CreateTask(cmd.Context(), task); err != nil {
				return err
			}
			fmt.Printf("created task %s (submit it through the API)\n", task.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "Agent to run the task")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "Owning user")
	cmd.Flags().StringVarP(&title, "title", "t", "", "Task title (defaults to the query)")
	cmd.Flags().StringVarP(&description, "description", "d", "", "Task description (defaults to the query)")
	cmd.MarkFlagRequired("agent")
	cmd.MarkFlagRequired("user")
	return cmd
}

func taskListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			tasks, err := store.ListTasks(cmd.Context(), types.TaskFilter{Status: types.TaskStatus(status)})
			if err != nil {
				return err
			}
			for _, t := range tasks {
				fmt.Printf("%s  %-10s  %s\n", t.ID, t.Status, t.Query)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "Filter by status")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			task, err := store.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(task, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func taskEventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events <task-id>",
		Short: "Show a task's stored event history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			eventStore := events.NewStore(store.DB)
			evts, err := eventStore.QueryByTask(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			for _, e := range evts {
				ts := time.Unix(0, e.Timestamp).Format(time.RFC3339)
				fmt.Printf("%s  %-22s  %v\n", ts, e.Type, e.Data)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Max events to show (0 = all)")
	return cmd
}

func taskConversationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conversation <task-id>",
		Short: "Show a task's conversation history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			turns, err := store.GetConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, turn := range turns {
				fmt.Printf("[%d] %s: %s\n", turn.TurnNumber, turn.Role, turn.Content)
			}
			stats := types.SummarizeConversation(turns)
			fmt.Printf("%d turns, %d tokens, $%.4f\n", stats.TotalTurns, stats.TotalTokens, stats.TotalCost)
			return nil
		},
	}
}
