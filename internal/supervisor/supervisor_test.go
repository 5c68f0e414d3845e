package supervisor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-gateway/conversant/internal/agentcompose"
	"github.com/nexus-gateway/conversant/internal/llmclient"
	"github.com/nexus-gateway/conversant/internal/toolvalidate"
)

// scriptedConversation replays a fixed sequence of turns, one per Step call,
// recording the tool results it's handed back and the system/tools/first
// message it was constructed with (via the owning fake factory).
type scriptedConversation struct {
	turns        []llmclient.Turn
	step         int
	submitted    [][]llmclient.ToolResult
	system       string
	firstMessage string
}

func (c *scriptedConversation) Step(ctx context.Context, maxTokens int) (llmclient.Turn, error) {
	if c.step >= len(c.turns) {
		return llmclient.Turn{Text: "done"}, nil
	}
	t := c.turns[c.step]
	c.step++
	return t, nil
}

func (c *scriptedConversation) SubmitToolResults(results []llmclient.ToolResult) {
	c.submitted = append(c.submitted, results)
}

// fakeFactory builds one scriptedConversation per system message requested,
// so the test can script the supervisor's turns and each agent's turns
// independently and inspect what each node was seeded with.
type fakeFactory struct {
	bySystem map[string]*scriptedConversation
	built    []*scriptedConversation
}

func (f *fakeFactory) factory(model, system string, tools []llmclient.ToolSpec, firstUserMessage string) conversation {
	sc, ok := f.bySystem[system]
	if !ok {
		sc = &scriptedConversation{turns: []llmclient.Turn{{Text: "unscripted reply"}}}
	}
	sc.system = system
	sc.firstMessage = firstUserMessage
	f.built = append(f.built, sc)
	return sc
}

type echoTool struct {
	name string
}

func (t *echoTool) Name() string                       { return t.name }
func (t *echoTool) Description() string                { return "echoes its input" }
func (t *echoTool) ArgsSchema() json.RawMessage         { return json.RawMessage(`{"type":"object"}`) }
func (t *echoTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return map[string]any{"echo": args}, nil
}

func buildValidatingTool(t *testing.T, name string) *toolvalidate.ValidatingTool {
	t.Helper()
	vt, err := toolvalidate.New(&echoTool{name: name}, toolvalidate.NewRepeatCounter(0))
	require.NoError(t, err)
	return vt
}

func TestHandlePlainSupervisorReplyNoHandoff(t *testing.T) {
	supervisorSystem := "supervisor prompt"
	ff := &fakeFactory{bySystem: map[string]*scriptedConversation{
		supervisorSystem: {turns: []llmclient.Turn{{Text: "Here is your answer."}}},
	}}

	g := NewGraph(nil, "claude-sonnet-4-20250514", supervisorSystem, nil, nil, nil)
	g.newConversation = ff.factory

	rc := &toolvalidate.RequestContext{}
	reply := g.Handle(context.Background(), rc, "hi")

	assert.Equal(t, "Here is your answer.", reply.ReplyText)
	assert.Equal(t, "success", reply.Status)
	assert.Empty(t, reply.Actions)
}

func TestHandleSupervisorHandsOffToAgentAndReturns(t *testing.T) {
	supervisorSystem := "supervisor prompt"
	agentSystem := "billing agent prompt"

	agents := []agentcompose.AgentDefinition{
		{Name: "billing", Responsibility: "handles billing", SystemMessage: agentSystem},
	}
	toolsByAgent := map[string][]*toolvalidate.ValidatingTool{
		"billing": {buildValidatingTool(t, "lookup_invoice")},
	}

	ff := &fakeFactory{bySystem: map[string]*scriptedConversation{
		supervisorSystem: {turns: []llmclient.Turn{
			{ToolCalls: []llmclient.ToolUse{{ID: "1", Name: "transfer_to_billing", Input: map[string]any{"task_instructions": "find invoice 42"}}}},
			{Text: "Your invoice total is $42."},
		}},
		agentSystem: {turns: []llmclient.Turn{
			{ToolCalls: []llmclient.ToolUse{{ID: "2", Name: "lookup_invoice", Input: map[string]any{"id": "42"}}}},
			{ToolCalls: []llmclient.ToolUse{{ID: "3", Name: transferBackToolName, Input: map[string]any{"summary": "invoice total is $42"}}}},
		}},
	}}

	g := NewGraph(nil, "claude-sonnet-4-20250514", supervisorSystem, agents, toolsByAgent, nil)
	g.newConversation = ff.factory

	rc := &toolvalidate.RequestContext{}
	reply := g.Handle(context.Background(), rc, "what do I owe?")

	assert.Equal(t, "Your invoice total is $42.", reply.ReplyText)
	assert.Equal(t, "success", reply.Status)
	assert.Contains(t, reply.Actions, "lookup_invoice")

	require.Len(t, ff.built, 3, "supervisor, agent, then supervisor again")
	assert.Equal(t, "find invoice 42", ff.built[1].firstMessage)
	assert.Contains(t, ff.built[2].firstMessage, "invoice total is $42")
}

func TestHandleDispatchesOrdinaryToolCallAndRecordsAction(t *testing.T) {
	supervisorSystem := "supervisor prompt"
	ff := &fakeFactory{bySystem: map[string]*scriptedConversation{
		supervisorSystem: {turns: []llmclient.Turn{
			{ToolCalls: []llmclient.ToolUse{{ID: "1", Name: "get_current_datetime", Input: map[string]any{}}}},
			{Text: "It is currently that time."},
		}},
	}}

	utility, err := NewUtilityTools(nil, toolvalidate.NewRepeatCounter(0))
	require.NoError(t, err)
	// Replace the memory tool's dependency-free datetime tool directly;
	// NewUtilityTools builds both, only the datetime one is exercised here.
	g := NewGraph(nil, "claude-sonnet-4-20250514", supervisorSystem, nil, nil, []*toolvalidate.ValidatingTool{utility[0]})
	g.newConversation = ff.factory

	rc := &toolvalidate.RequestContext{}
	reply := g.Handle(context.Background(), rc, "what time is it?")

	assert.Equal(t, "It is currently that time.", reply.ReplyText)
	assert.Contains(t, reply.Actions, "get_current_datetime")
	require.Len(t, ff.built[0].submitted, 1)
	assert.False(t, ff.built[0].submitted[0][0].IsError)
}

func TestDateTimeToolInvoke(t *testing.T) {
	tool := dateTimeTool{}
	result, err := tool.Invoke(context.Background(), map[string]any{})
	require.NoError(t, err)
	m, ok := result.(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, m["datetime_rfc3339"])
	assert.Equal(t, "UTC", m["timezone"])
	assert.NotEmpty(t, m["human_readable"])
}

func TestIsErrorResultDetectsErrorPayload(t *testing.T) {
	assert.True(t, isErrorResult(toolvalidate.ErrorPayload{ErrorType: "tool_error"}))
	assert.True(t, isErrorResult(&toolvalidate.ErrorPayload{ErrorType: "tool_error"}))
	assert.False(t, isErrorResult(map[string]any{"ok": true}))
}
