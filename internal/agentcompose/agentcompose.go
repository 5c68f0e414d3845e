// Package agentcompose turns a flat list of discovered tools into a set of
// named, bounded agents: one LLM categorization call per source server,
// hard constraints enforced by construction, policy packs layered onto each
// agent's system message, and a fallback to one agent per server when the
// LLM call fails outright.
package agentcompose

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/iancoleman/strcase"

	"github.com/nexus-gateway/conversant/internal/llmclient"
)

// groundingRule is appended to every generated system message.
const groundingRule = "On a tool validation error, consult the tool's schema, fix the arguments, and retry at most once."

// ToolRecord is one discovered tool, as surfaced by the MCP manager or the
// local tool adapter.
type ToolRecord struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	SourceServer string          `json:"source_server"`
	Schema       json.RawMessage `json:"schema"`
}

// AgentRule names an agent that must appear in the output with the listed
// tools, taken from a server's rules document. Its name is normalized like
// every agent name: snake_case, prefixed with the source server.
type AgentRule struct {
	Name           string   `json:"name"`
	Tools          []string `json:"tools"`
	Responsibility string   `json:"responsibility"`
}

// RulesDocument is the optional per-server configuration of required agents
// and tool exclusions.
type RulesDocument struct {
	DesiredAgents    []AgentRule `json:"desired_agents"`
	BlacklistedTools []string    `json:"blacklisted_tools"`
}

// PolicyMatch selects which agents a PolicyPack applies to.
type PolicyMatch struct {
	SourceServers []string `json:"source_servers"`
}

// PolicyPack layers additional system-message text onto matching agents.
type PolicyPack struct {
	Match                PolicyMatch `json:"match"`
	PrependSystemMessage string      `json:"prepend_system_message"`
	AppendSystemMessage  []string    `json:"append_system_message"`
}

func (p PolicyPack) matches(sourceServer string) bool {
	for _, s := range p.Match.SourceServers {
		if s == "*" || s == sourceServer {
			return true
		}
	}
	return false
}

// AgentDefinition is one composed agent: a name, the server it draws tools
// from, its assigned tools, and its final rendered system message.
type AgentDefinition struct {
	Name           string   `json:"name"`
	SourceServer   string   `json:"source_server"`
	Tools          []string `json:"tools"`
	Responsibility string   `json:"responsibility"`
	SystemMessage  string   `json:"system_message"`
}

// AgentDefinitions is the composer's output document.
type AgentDefinitions struct {
	Agents []AgentDefinition `json:"agents"`
}

// llmCategorization is the structured shape the LLM is asked to produce for
// one server's tools, before hard constraints and policy packs are applied.
type llmCategorization struct {
	Agents []struct {
		Name           string   `json:"name"`
		Responsibility string   `json:"responsibility"`
		Tools          []string `json:"tools"`
	} `json:"agents"`
}

// completer is the subset of llmclient.Client the composer depends on.
type completer interface {
	Complete(ctx context.Context, req llmclient.Request) (string, error)
}

// Composer builds AgentDefinitions from discovered tools.
type Composer struct {
	llm              completer
	maxToolsPerAgent int
	rules            map[string]RulesDocument // keyed by source_server, "*" applies to all
	policyPacks      []PolicyPack
	placeholders     map[string]string
	logger           *slog.Logger
}

// Option configures a Composer.
type Option func(*Composer)

// WithRules attaches per-server rules documents, keyed by source_server
// ("*" applies to every server).
func WithRules(rules map[string]RulesDocument) Option {
	return func(c *Composer) { c.rules = rules }
}

// WithPolicyPacks attaches policy packs applied after hard constraints.
func WithPolicyPacks(packs []PolicyPack) Option {
	return func(c *Composer) { c.policyPacks = packs }
}

// WithPlaceholders attaches the process-wide settings object used to render
// {{PLACEHOLDER}} tokens before falling back to environment variables.
func WithPlaceholders(placeholders map[string]string) Option {
	return func(c *Composer) { c.placeholders = placeholders }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Composer) { c.logger = logger }
}

// New constructs a Composer. maxToolsPerAgent bounds how many tools
// categorization assigns to a single LLM-generated (non-desired) agent;
// tools left unassigned are then attached to the first agent, which may take
// it past the bound.
func New(llm completer, maxToolsPerAgent int, opts ...Option) *Composer {
	c := &Composer{
		llm:              llm,
		maxToolsPerAgent: maxToolsPerAgent,
		rules:            map[string]RulesDocument{},
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compose groups tools by source_server, categorizes each server's tools via
// the LLM, enforces hard constraints, applies policy packs, and renders
// placeholders.
func (c *Composer) Compose(ctx context.Context, tools []ToolRecord) AgentDefinitions {
	bySource := groupBySource(tools)

	servers := make([]string, 0, len(bySource))
	for server := range bySource {
		servers = append(servers, server)
	}
	sort.Strings(servers)

	var out AgentDefinitions
	for _, server := range servers {
		serverTools := filterBlacklisted(bySource[server], c.rulesFor(server).BlacklistedTools)
		agents := c.composeServer(ctx, server, serverTools)
		out.Agents = append(out.Agents, agents...)
	}

	for i := range out.Agents {
		out.Agents[i].SystemMessage = c.renderPlaceholders(out.Agents[i].SystemMessage)
	}
	return out
}

func (c *Composer) rulesFor(sourceServer string) RulesDocument {
	merged := c.rules["*"]
	if specific, ok := c.rules[sourceServer]; ok {
		merged.DesiredAgents = append(append([]AgentRule{}, merged.DesiredAgents...), specific.DesiredAgents...)
		merged.BlacklistedTools = append(append([]string{}, merged.BlacklistedTools...), specific.BlacklistedTools...)
	}
	return merged
}

func groupBySource(tools []ToolRecord) map[string][]ToolRecord {
	out := make(map[string][]ToolRecord)
	for _, t := range tools {
		out[t.SourceServer] = append(out[t.SourceServer], t)
	}
	return out
}

func filterBlacklisted(tools []ToolRecord, blacklist []string) []ToolRecord {
	if len(blacklist) == 0 {
		return tools
	}
	blocked := make(map[string]bool, len(blacklist))
	for _, name := range blacklist {
		blocked[name] = true
	}
	out := make([]ToolRecord, 0, len(tools))
	for _, t := range tools {
		if !blocked[t.Name] {
			out = append(out, t)
		}
	}
	return out
}

// composeServer categorizes one server's tools, falling back to a single
// agent for the server if the LLM call fails outright.
func (c *Composer) composeServer(ctx context.Context, server string, tools []ToolRecord) []AgentDefinition {
	rules := c.rulesFor(server)

	categorized, err := c.categorize(ctx, server, tools, rules)
	if err != nil {
		c.logger.Warn("agentcompose: LLM categorization failed, falling back to one agent per server",
			"source_server", server, "error", err)
		return []AgentDefinition{c.fallbackAgent(server, tools)}
	}

	agents := c.enforceConstraints(server, tools, rules, categorized)
	for i := range agents {
		agents[i].SystemMessage = c.applyPolicyPacks(server, c.buildSystemMessage(agents[i]))
	}
	return agents
}

func (c *Composer) categorize(ctx context.Context, server string, tools []ToolRecord, rules RulesDocument) (llmCategorization, error) {
	var cat llmCategorization
	if len(tools) == 0 {
		return cat, nil
	}

	prompt, err := buildCategorizationPrompt(server, tools, rules)
	if err != nil {
		return cat, err
	}

	reply, err := c.llm.Complete(ctx, llmclient.Request{
		System: "You group tools into specialized agents for a multi-agent assistant. " +
			"Respond with JSON only, matching the requested schema exactly.",
		UserMessage: prompt,
		MaxTokens:   2048,
	})
	if err != nil {
		return cat, fmt.Errorf("agentcompose: categorization call failed: %w", err)
	}

	if err := json.Unmarshal([]byte(extractJSON(reply)), &cat); err != nil {
		return cat, fmt.Errorf("agentcompose: decode categorization reply: %w", err)
	}
	return cat, nil
}

func buildCategorizationPrompt(server string, tools []ToolRecord, rules RulesDocument) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"source_server": server,
		"tools":         tools,
		"rules":         rules,
	})
	if err != nil {
		return "", fmt.Errorf("agentcompose: marshal categorization prompt: %w", err)
	}
	return string(payload), nil
}

// extractJSON trims any leading/trailing prose a model adds around a JSON
// object, keeping only the outermost {...} span.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}

// enforceConstraints applies the hard rules from spec step 3: every tool
// assigned to exactly one agent, desired agents present with their listed
// tools, no LLM-generated agent given more than the per-agent tool cap during
// categorization, and unassigned tools attached to the first agent even when
// that takes it over the cap.
func (c *Composer) enforceConstraints(server string, tools []ToolRecord, rules RulesDocument, categorized llmCategorization) []AgentDefinition {
	toolNames := make(map[string]bool, len(tools))
	for _, t := range tools {
		toolNames[t.Name] = true
	}

	var agents []AgentDefinition
	assigned := make(map[string]bool, len(tools))

	for _, desired := range rules.DesiredAgents {
		def := AgentDefinition{Name: normalizeAgentName(server, desired.Name), SourceServer: server, Responsibility: desired.Responsibility}
		for _, toolName := range desired.Tools {
			if toolNames[toolName] {
				def.Tools = append(def.Tools, toolName)
				assigned[toolName] = true
			}
		}
		agents = append(agents, def)
	}

	for _, llmAgent := range categorized.Agents {
		def := AgentDefinition{Name: normalizeAgentName(server, llmAgent.Name), SourceServer: server, Responsibility: llmAgent.Responsibility}
		for _, toolName := range llmAgent.Tools {
			if !toolNames[toolName] || assigned[toolName] {
				continue
			}
			if len(def.Tools) >= c.maxToolsPerAgent {
				break
			}
			def.Tools = append(def.Tools, toolName)
			assigned[toolName] = true
		}
		if len(def.Tools) > 0 {
			agents = append(agents, def)
		}
	}

	if len(agents) == 0 {
		agents = append(agents, AgentDefinition{Name: normalizeAgentName(server, server), SourceServer: server, Responsibility: "general purpose"})
	}

	var unassigned []string
	for _, t := range tools {
		if !assigned[t.Name] {
			unassigned = append(unassigned, t.Name)
		}
	}
	if len(unassigned) > 0 {
		agents[0].Tools = append(agents[0].Tools, unassigned...)
		if len(agents[0].Tools) > c.maxToolsPerAgent {
			c.logger.Warn("agentcompose: unassigned tools pushed agent over the per-agent tool cap",
				"source_server", server, "agent", agents[0].Name,
				"tools", len(agents[0].Tools), "max_tools_per_agent", c.maxToolsPerAgent)
		}
	}

	return agents
}

func (c *Composer) fallbackAgent(server string, tools []ToolRecord) AgentDefinition {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	def := AgentDefinition{
		Name:           normalizeAgentName(server, server),
		SourceServer:   server,
		Tools:          names,
		Responsibility: fmt.Sprintf("general purpose agent for %s tools", server),
	}
	def.SystemMessage = c.applyPolicyPacks(server, c.buildSystemMessage(def))
	return def
}

// normalizeAgentName ensures the name is snake_case and prefixed with the
// source server.
func normalizeAgentName(server, name string) string {
	snake := strcase.ToSnake(name)
	prefix := strcase.ToSnake(server)
	if strings.HasPrefix(snake, prefix+"_") || snake == prefix {
		return snake
	}
	return prefix + "_" + snake
}

func (c *Composer) buildSystemMessage(def AgentDefinition) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, responsible for: %s.\n", def.Name, def.Responsibility)
	fmt.Fprintf(&sb, "Available tools: %s.\n", strings.Join(def.Tools, ", "))
	sb.WriteString(groundingRule)
	return sb.String()
}

// applyPolicyPacks merges prepend/append system-message fragments from every
// matching policy pack, in prepend + original + append order.
func (c *Composer) applyPolicyPacks(server, base string) string {
	var prepends []string
	var appends []string
	for _, pack := range c.policyPacks {
		if !pack.matches(server) {
			continue
		}
		if pack.PrependSystemMessage != "" {
			prepends = append(prepends, pack.PrependSystemMessage)
		}
		appends = append(appends, pack.AppendSystemMessage...)
	}

	parts := append(append([]string{}, prepends...), base)
	parts = append(parts, appends...)
	return strings.Join(parts, "\n\n")
}

// renderPlaceholders replaces {{PLACEHOLDER}} tokens first from the
// process-wide settings object (upper-case, then snake_case), then from
// environment variables. Unresolved placeholders are left intact and logged.
func (c *Composer) renderPlaceholders(message string) string {
	var result strings.Builder
	i := 0
	for i < len(message) {
		start := strings.Index(message[i:], "{{")
		if start == -1 {
			result.WriteString(message[i:])
			break
		}
		start += i
		end := strings.Index(message[start:], "}}")
		if end == -1 {
			result.WriteString(message[i:])
			break
		}
		end += start

		result.WriteString(message[i:start])
		token := strings.TrimSpace(message[start+2 : end])
		value, ok := c.resolvePlaceholder(token)
		if ok {
			result.WriteString(value)
		} else {
			c.logger.Warn("agentcompose: unresolved placeholder", "token", token)
			result.WriteString(message[start : end+2])
		}
		i = end + 2
	}
	return result.String()
}

func (c *Composer) resolvePlaceholder(token string) (string, bool) {
	if v, ok := c.placeholders[strings.ToUpper(token)]; ok {
		return v, true
	}
	if v, ok := c.placeholders[strcase.ToSnake(token)]; ok {
		return v, true
	}
	if v, ok := os.LookupEnv(strings.ToUpper(token)); ok {
		return v, true
	}
	return "", false
}
