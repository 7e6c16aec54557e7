package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGetAgent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	agent := &AgentRecord{
		Name:           "researcher",
		Model:          "gpt-4o",
		Instruction:    "research things",
		ToolServers:    []string{"search=http://localhost:9001/sse"},
		MaxIterations:  10,
		TimeoutSeconds: 120,
		BudgetUSD:      0.5,
	}
	require.NoError(t, store.CreateAgent(ctx, agent))
	assert.NotEmpty(t, agent.ID)

	got, err := store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "researcher", got.Name)
	assert.Equal(t, "gpt-4o", got.Model)
	assert.Equal(t, agent.ToolServers, got.ToolServers)
	assert.Equal(t, 10, got.MaxIterations)
	assert.Equal(t, 0.5, got.BudgetUSD)
}

func TestCreateAgentRequiresNameAndModel(t *testing.T) {
	store := newTestStore(t)

	err := store.CreateAgent(context.Background(), &AgentRecord{Name: "no-model"})
	assert.Error(t, err)

	err = store.CreateAgent(context.Background(), &AgentRecord{Model: "gpt-4o"})
	assert.Error(t, err)
}

func TestGetAgentNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetAgent(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAndDeleteAgents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := &AgentRecord{Name: "a", Model: "gpt-4o-mini"}
	b := &AgentRecord{Name: "b", Model: "gpt-4o"}
	require.NoError(t, store.CreateAgent(ctx, a))
	require.NoError(t, store.CreateAgent(ctx, b))

	agents, err := store.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 2)

	require.NoError(t, store.DeleteAgent(ctx, a.ID))
	agents, err = store.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 1)

	assert.ErrorIs(t, store.DeleteAgent(ctx, a.ID), ErrNotFound)
}
