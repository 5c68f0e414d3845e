// Package supervisor builds the handoff graph described by an
// agentcompose.AgentDefinitions document: one supervisor node holding a
// transfer_to_<agent> tool per agent plus utility tools, and one sub-node
// per agent holding its assigned tools plus transfer_back_to_supervisor.
// Adapted from the teacher's internal/multiagent supervisor/handoff-tool
// pattern, replacing its generic single "handoff" tool with the spec's
// per-agent transfer_to_<agent_name> tools.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nexus-gateway/conversant/internal/agentcompose"
	"github.com/nexus-gateway/conversant/internal/datetime"
	"github.com/nexus-gateway/conversant/internal/llmclient"
	"github.com/nexus-gateway/conversant/internal/memorystore"
	"github.com/nexus-gateway/conversant/internal/toolvalidate"
)

// StructuredReply is the supervisor's final output for one inbound message.
type StructuredReply struct {
	ReplyText    string   `json:"reply_text"`
	Status       string   `json:"status"` // "success" or "error"
	Actions      []string `json:"actions"`
	ErrorMessage string   `json:"error_message,omitempty"`
	TTSFilePath  string   `json:"tts_file_path,omitempty"`
	TTSFormat    string   `json:"tts_format,omitempty"`
}

// AgentNode is one agent sub-graph: its system message and assigned tools.
type AgentNode struct {
	Name           string
	Responsibility string
	SystemMessage  string
	Tools          []*toolvalidate.ValidatingTool
}

func (n *AgentNode) toolByName(name string) *toolvalidate.ValidatingTool {
	for _, t := range n.Tools {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// conversation is the subset of *llmclient.Conversation the graph depends
// on; defined locally so tests can substitute a scripted double.
type conversation interface {
	Step(ctx context.Context, maxTokens int) (llmclient.Turn, error)
	SubmitToolResults(results []llmclient.ToolResult)
}

type conversationFactory func(model, system string, tools []llmclient.ToolSpec, firstUserMessage string) conversation

const transferBackToolName = "transfer_back_to_supervisor"

// Graph is the assembled supervisor + per-agent handoff graph for one
// agentcompose.AgentDefinitions document.
type Graph struct {
	model                   string
	supervisorSystemMessage string
	nodes                   map[string]*AgentNode
	utilityTools            []*toolvalidate.ValidatingTool
	newConversation         conversationFactory
	maxIterations           int
	maxTokens               int
}

// Option configures a Graph.
type Option func(*Graph)

// WithMaxIterations overrides the default handoff-loop iteration cap (12).
func WithMaxIterations(n int) Option { return func(g *Graph) { g.maxIterations = n } }

// WithMaxTokens overrides the default per-step token budget (2048).
func WithMaxTokens(n int) Option { return func(g *Graph) { g.maxTokens = n } }

// NewGraph builds a Graph from composed agent definitions. toolsByAgent maps
// each AgentDefinition.Name to the concrete, already-validated tools it was
// assigned; utilityTools are exposed only to the supervisor node.
func NewGraph(
	llm *llmclient.Client,
	model string,
	supervisorSystemMessage string,
	agents []agentcompose.AgentDefinition,
	toolsByAgent map[string][]*toolvalidate.ValidatingTool,
	utilityTools []*toolvalidate.ValidatingTool,
	opts ...Option,
) *Graph {
	g := &Graph{
		model:                   model,
		supervisorSystemMessage: supervisorSystemMessage,
		nodes:                   make(map[string]*AgentNode, len(agents)),
		utilityTools:            utilityTools,
		maxIterations:           12,
		maxTokens:               2048,
	}
	for _, def := range agents {
		g.nodes[def.Name] = &AgentNode{
			Name:           def.Name,
			Responsibility: def.Responsibility,
			SystemMessage:  def.SystemMessage,
			Tools:          toolsByAgent[def.Name],
		}
	}
	g.newConversation = func(model, system string, tools []llmclient.ToolSpec, firstUserMessage string) conversation {
		return llm.NewConversation(model, system, tools, firstUserMessage)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handle drives the supervisor/handoff loop for one inbound message and
// returns the structured reply. rc accumulates grounding events across every
// non-internal tool call made during the turn.
func (g *Graph) Handle(ctx context.Context, rc *toolvalidate.RequestContext, userMessage string) StructuredReply {
	ctx = toolvalidate.WithRequestContext(ctx, rc)

	conv := g.newConversation(g.model, g.supervisorSystemMessage, g.supervisorToolSpecs(), userMessage)
	current := "" // "" means the active node is the supervisor

	var ttsPath, ttsFormat string

	for i := 0; i < g.maxIterations; i++ {
		turn, err := conv.Step(ctx, g.maxTokens)
		if err != nil {
			return g.finalize("I ran into a problem and couldn't finish that.", "error", err.Error(), rc, ttsPath, ttsFormat)
		}

		if len(turn.ToolCalls) == 0 {
			return g.finalize(turn.Text, "success", "", rc, ttsPath, ttsFormat)
		}

		var results []llmclient.ToolResult
		handedOff := false

		for _, call := range turn.ToolCalls {
			switch {
			case current == "" && strings.HasPrefix(call.Name, "transfer_to_"):
				target := strings.TrimPrefix(call.Name, "transfer_to_")
				node, ok := g.nodes[target]
				if !ok {
					results = append(results, llmclient.ToolResult{ToolUseID: call.ID, Content: fmt.Sprintf("unknown agent %q", target), IsError: true})
					continue
				}
				instructions, _ := call.Input["task_instructions"].(string)
				conv.SubmitToolResults([]llmclient.ToolResult{{ToolUseID: call.ID, Content: "handoff acknowledged"}})
				conv = g.newConversation(g.model, node.SystemMessage, g.agentToolSpecs(node), instructions)
				current = target
				handedOff = true

			case current != "" && call.Name == transferBackToolName:
				summary, _ := call.Input["summary"].(string)
				conv.SubmitToolResults([]llmclient.ToolResult{{ToolUseID: call.ID, Content: "return acknowledged"}})
				conv = g.newConversation(g.model, g.supervisorSystemMessage, g.supervisorToolSpecs(),
					fmt.Sprintf("Agent %s returned: %s", current, summary))
				current = ""
				handedOff = true

			default:
				vt := g.resolveTool(current, call.Name)
				if vt == nil {
					results = append(results, llmclient.ToolResult{ToolUseID: call.ID, Content: fmt.Sprintf("unknown tool %q", call.Name), IsError: true})
					continue
				}
				result := vt.Call(ctx, userMessage, call.Input)
				if vt.Name() == "synthesize_speech" {
					if m, ok := result.(map[string]any); ok {
						ttsPath, _ = m["file_path"].(string)
						ttsFormat, _ = m["format"].(string)
					}
				}
				resultJSON, marshalErr := json.Marshal(result)
				if marshalErr != nil {
					resultJSON = []byte(fmt.Sprintf("%v", result))
				}
				results = append(results, llmclient.ToolResult{ToolUseID: call.ID, Content: string(resultJSON), IsError: isErrorResult(result)})
			}
		}

		if handedOff {
			continue
		}
		conv.SubmitToolResults(results)
	}

	return g.finalize("I wasn't able to finish that — please try again.", "error", "handoff loop exceeded max iterations", rc, ttsPath, ttsFormat)
}

func (g *Graph) finalize(replyText, status, errMsg string, rc *toolvalidate.RequestContext, ttsPath, ttsFormat string) StructuredReply {
	reply := StructuredReply{
		ReplyText:    replyText,
		Status:       status,
		ErrorMessage: errMsg,
		TTSFilePath:  ttsPath,
		TTSFormat:    ttsFormat,
	}
	for _, e := range rc.Events {
		if e.OK {
			reply.Actions = append(reply.Actions, e.ToolName)
		}
	}
	return reply
}

func (g *Graph) resolveTool(currentNode, toolName string) *toolvalidate.ValidatingTool {
	if currentNode == "" {
		for _, t := range g.utilityTools {
			if t.Name() == toolName {
				return t
			}
		}
		return nil
	}
	node, ok := g.nodes[currentNode]
	if !ok {
		return nil
	}
	return node.toolByName(toolName)
}

func (g *Graph) supervisorToolSpecs() []llmclient.ToolSpec {
	specs := make([]llmclient.ToolSpec, 0, len(g.nodes)+len(g.utilityTools))
	for _, node := range g.nodes {
		specs = append(specs, llmclient.ToolSpec{
			Name:        "transfer_to_" + node.Name,
			Description: fmt.Sprintf("Hand off to the %s agent (%s) with explicit task instructions.", node.Name, node.Responsibility),
			Schema:      json.RawMessage(`{"type":"object","required":["task_instructions"],"properties":{"task_instructions":{"type":"string"}}}`),
		})
	}
	for _, t := range g.utilityTools {
		specs = append(specs, toolSpecOf(t))
	}
	return specs
}

func (g *Graph) agentToolSpecs(node *AgentNode) []llmclient.ToolSpec {
	specs := make([]llmclient.ToolSpec, 0, len(node.Tools)+1)
	for _, t := range node.Tools {
		specs = append(specs, toolSpecOf(t))
	}
	specs = append(specs, llmclient.ToolSpec{
		Name:        transferBackToolName,
		Description: "Return control to the supervisor with a summary of what you accomplished.",
		Schema:      json.RawMessage(`{"type":"object","required":["summary"],"properties":{"summary":{"type":"string"}}}`),
	})
	return specs
}

func toolSpecOf(t *toolvalidate.ValidatingTool) llmclient.ToolSpec {
	return llmclient.ToolSpec{Name: t.Name(), Description: t.Description(), Schema: t.ArgsSchema()}
}

func isErrorResult(result any) bool {
	switch result.(type) {
	case toolvalidate.ErrorPayload, *toolvalidate.ErrorPayload:
		return true
	default:
		return false
	}
}

// DefaultSupervisorSystemMessage renders the routing rules spec 4.7 requires
// baked into every supervisor prompt, listing the available agents.
func DefaultSupervisorSystemMessage(agents []agentcompose.AgentDefinition) string {
	var sb strings.Builder
	sb.WriteString("You are the supervisor of a multi-agent assistant. Route each request to the agent whose responsibility and tools best match it.\n\n")
	sb.WriteString("Routing rules:\n")
	sb.WriteString("- Route by agent responsibility and verified tool capability (write vs. search).\n")
	sb.WriteString("- For time-sensitive requests, call get_current_datetime first.\n")
	sb.WriteString("- For personal-data requests, call memory_get_context first; if insufficient, route to the appropriate agent; if tools return nothing, ask a single clarifying question.\n")
	sb.WriteString("- Produce your final reply as plain text; it will be copied verbatim into reply_text if an agent already produced a user-facing answer.\n")
	sb.WriteString("- Reply in the detected language unless the user overrides it; translate only via the local translate tool.\n")
	sb.WriteString("- If audio replies are requested, call synthesize_speech and mention the result.\n\n")
	sb.WriteString("Available agents:\n")
	for _, a := range agents {
		fmt.Fprintf(&sb, "- %s: %s (tools: %s)\n", a.Name, a.Responsibility, strings.Join(a.Tools, ", "))
	}
	return sb.String()
}

// NewUtilityTools builds the supervisor-level utility tools: current-datetime
// and memory-context lookup, both internal (excluded from grounding).
func NewUtilityTools(store *memorystore.Store, repeats *toolvalidate.RepeatCounter) ([]*toolvalidate.ValidatingTool, error) {
	dt, err := toolvalidate.New(&dateTimeTool{}, repeats)
	if err != nil {
		return nil, fmt.Errorf("supervisor: build datetime tool: %w", err)
	}
	mem, err := toolvalidate.New(&memoryContextTool{store: store}, repeats)
	if err != nil {
		return nil, fmt.Errorf("supervisor: build memory context tool: %w", err)
	}
	return []*toolvalidate.ValidatingTool{dt, mem}, nil
}

type dateTimeTool struct{}

func (dateTimeTool) Name() string { return "get_current_datetime" }
func (dateTimeTool) Description() string {
	return "Returns the current date and time, in RFC3339 and as a human-readable string in the given IANA timezone (default UTC)."
}
func (dateTimeTool) ArgsSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"timezone":{"type":"string","description":"IANA timezone name, e.g. America/New_York"}}}`)
}
func (dateTimeTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	tzArg, _ := args["timezone"].(string)
	if tzArg == "" {
		tzArg = "UTC"
	}
	tz := datetime.ResolveUserTimezone(tzArg)
	now := time.Now().UTC()
	format := datetime.ResolveUserTimeFormat(datetime.TimeFormatAuto)
	return map[string]any{
		"datetime_rfc3339": now.Format(time.RFC3339),
		"timezone":         tz,
		"human_readable":   datetime.FormatUserTime(now, tz, format),
	}, nil
}

type memoryContextTool struct {
	store *memorystore.Store
}

func (t *memoryContextTool) Name() string { return "memory_get_context" }
func (t *memoryContextTool) Description() string {
	return "Looks up the user's profile and recent conversation history."
}
func (t *memoryContextTool) ArgsSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","required":["user_id","conversation_id"],"properties":{"user_id":{"type":"string"},"conversation_id":{"type":"string"}}}`)
}

func (t *memoryContextTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	userID, _ := args["user_id"].(string)
	conversationID, _ := args["conversation_id"].(string)

	profile, err := t.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	state, err := t.store.GetConversationState(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	events, err := t.store.RecentEvents(ctx, userID)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"profile":            profile,
		"conversation_state": state,
		"recent_events":      events,
	}, nil
}
