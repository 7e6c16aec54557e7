package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/outpost-labs/muster/internal/activities"
	"github.com/outpost-labs/muster/internal/agents"
	"github.com/outpost-labs/muster/internal/db"
	"github.com/outpost-labs/muster/internal/events"
	"github.com/outpost-labs/muster/internal/llm"
	"github.com/outpost-labs/muster/internal/mcp"
	"github.com/outpost-labs/muster/internal/workflow"
	"github.com/outpost-labs/muster/pkg/types"
)

// demoCmd runs one scripted task end to end against a throwaway database
// and a mock model: no PostgreSQL, no API keys, no tool servers.
func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a scripted task end to end (no external services)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context())
		},
	}
}

func runDemo(ctx context.Context) error {
	dir, err := os.MkdirTemp("", "muster-demo-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	store, err := db.Open(filepath.Join(dir, "demo.db"))
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.InitSchema(); err != nil {
		return err
	}

	bus := events.NewBus()
	defer bus.Close()
	publisher := events.NewPublisher(events.NewStore(store.DB), bus)

	// Script: one round of thinking, then the completion call.
	provider := llm.NewScriptedProvider(
		llm.ChatResponse{
			Choices: []llm.Choice{{
				Message: llm.Message{
					Role:    llm.RoleAssistant,
					Content: "Working out the answer.",
				},
				FinishReason: "length",
			}},
			Usage: llm.Usage{PromptTokens: 40, CompletionTokens: 10, TotalTokens: 50},
		},
		llm.ChatResponse{
			Choices: []llm.Choice{{
				Message: llm.Message{
					Role: llm.RoleAssistant,
					ToolCalls: []llm.ToolCall{{
						ID:   "call-1",
						Type: "function",
						Function: llm.FunctionCall{
							Name:      activities.CompletionToolName,
							Arguments: `{"result":"The answer is 42."}`,
						},
					}},
				},
				FinishReason: "tool_calls",
			}},
			Usage: llm.Usage{PromptTokens: 60, CompletionTokens: 15, TotalTokens: 75},
		},
	)

	agent := &db.AgentRecord{
		Name:          "demo-agent",
		Model:         "gpt-4o-mini",
		Instruction:   "You answer questions precisely.",
		MaxIterations: 5,
	}
	if err := store.CreateAgent(ctx, agent); err != nil {
		return err
	}

	task := &types.Task{
		AgentID:     agent.ID,
		UserID:      "demo",
		Title:       "Demo task",
		Description: "Reasoning loop walkthrough against the mock provider",
		Query:       "What is the answer to everything?",
	}
	if err := store.CreateTask(ctx, task); err != nil {
		return err
	}

	// Follow the live event stream while the run executes.
	sub := bus.Subscribe("demo")
	defer bus.Unsubscribe(sub)
	go func() {
		for event := range sub {
			fmt.Printf("  event: %-22s %v\n", event.Type, event.Data)
		}
	}()

	set := &activities.Set{
		Resolver:  agents.NewStoreResolver(store),
		Dialer:    mcp.SSEDialer{},
		Provider:  provider,
		Publisher: publisher,
	}
	engine := workflow.NewEngine(set, workflow.NewSignalRegistry(), workflow.NewRunRegistry())

	executionID := fmt.Sprintf("muster-task-%s-attempt-1", task.ID)
	if _, err := store.MarkRunning(ctx, task.ID, executionID); err != nil {
		return err
	}

	fmt.Printf("running task %s...\n", task.ID)
	result := engine.Execute(ctx, types.AgentExecutionRequest{
		TaskID:  task.ID,
		AgentID: task.AgentID,
		UserID:  task.UserID,
		Query:   task.Query,
	}, executionID)

	status := types.TaskStatusCompleted
	if !result.Success {
		status = types.TaskStatusFailed
	}
	if err := store.FinalizeTask(ctx, task.ID, status, result.FinalResponse, result.ErrorMessage, result.ErrorCode); err != nil {
		return err
	}
	if err := store.SaveConversation(ctx, task.ID, result.History); err != nil {
		log.Printf("saving conversation: %v", err)
	}

	// Let the event goroutine drain.
	time.Sleep(100 * time.Millisecond)

	fmt.Printf("\nstatus:     %s\n", status)
	fmt.Printf("iterations: %d\n", result.Iterations)
	fmt.Printf("response:   %s\n", result.FinalResponse)
	return nil
}
