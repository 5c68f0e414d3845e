// Package bootstrap wires every component once per process and hands back
// the pieces each role (ingress, worker, dispatcher, media host) needs.
// Adapted from the teacher's internal/gateway/tool_manager.go component-
// wiring shape and original_source's redis_stream_worker.py
// bootstrap_supervisor(), which establishes the bootstrap-once-reuse-
// forever pattern: build the LLM client, MCP tools, agent composition, and
// supervisor graph a single time per process, never per request.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nexus-gateway/conversant/internal/agentcompose"
	"github.com/nexus-gateway/conversant/internal/channels"
	"github.com/nexus-gateway/conversant/internal/channels/twilio"
	"github.com/nexus-gateway/conversant/internal/config"
	"github.com/nexus-gateway/conversant/internal/dispatcher"
	"github.com/nexus-gateway/conversant/internal/idempotency"
	"github.com/nexus-gateway/conversant/internal/ingress"
	"github.com/nexus-gateway/conversant/internal/llmclient"
	"github.com/nexus-gateway/conversant/internal/localtools"
	"github.com/nexus-gateway/conversant/internal/mcp"
	"github.com/nexus-gateway/conversant/internal/mediahost"
	"github.com/nexus-gateway/conversant/internal/memorystore"
	"github.com/nexus-gateway/conversant/internal/preprocess"
	"github.com/nexus-gateway/conversant/internal/streaming"
	"github.com/nexus-gateway/conversant/internal/supervisor"
	"github.com/nexus-gateway/conversant/internal/toolvalidate"
	"github.com/nexus-gateway/conversant/internal/worker"
)

// App holds every wired component a process role may need. Not every role
// uses every field; cmd/gatewayd picks out what its subcommand requires.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Stream      *streaming.Client
	Idempotency *idempotency.Store
	Memory      *memorystore.Store

	MCPManager *mcp.Manager
	LLM        *llmclient.Client
	Detector   *localtools.Detector
	Synth      *localtools.Synthesizer

	Preprocessor *preprocess.Preprocessor
	Graph        *supervisor.Graph
	Channels     *channels.Registry
	MediaHost    *mediahost.Host

	Worker     *worker.Worker
	Dispatcher *dispatcher.Dispatcher

	graphHolder   *graphHolder
	policyWatcher *fsnotify.Watcher
}

// New connects to every backing service and composes the supervisor graph.
// Call Close when the process shuts down.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	stream, err := streaming.New(cfg.Streaming.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: connect redis: %w", err)
	}

	a := &App{
		Config:      cfg,
		Logger:      logger,
		Stream:      stream,
		Idempotency: idempotency.New(stream, cfg.Streaming.OutboundIdempotencyTTL),
		Memory:      memorystore.New(stream, cfg.Streaming.ConversationStateTTL, cfg.Streaming.RecentEventsLimit),
	}

	a.MCPManager = mcp.NewManager(&cfg.MCP, logger)
	if err := a.MCPManager.Start(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap: start mcp manager: %w", err)
	}

	llm, err := llmclient.New(llmclient.Config{APIKey: cfg.LLM.APIKey, BaseURL: cfg.LLM.BaseURL, DefaultModel: cfg.LLM.Model})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build llm client: %w", err)
	}
	a.LLM = llm
	a.Detector = localtools.NewDetector(llm)
	a.Synth = localtools.NewSynthesizer(localtools.SynthesizerConfig{
		APIKey:    cfg.LLM.APIKey,
		Voice:     cfg.TTS.Voice,
		Model:     cfg.TTS.Model,
		Format:    cfg.TTS.Format,
		OutputDir: cfg.Media.RootDir,
	}, nil)

	mediaHost, err := mediahost.New(mediahost.Config{RootDir: cfg.Media.RootDir, PublicBaseURL: cfg.Media.PublicBaseURL}, logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build media host: %w", err)
	}
	a.MediaHost = mediaHost

	transcriber := preprocess.NewTranscriber(preprocess.TranscriberConfig{Model: cfg.STT.Model}, nil)
	a.Preprocessor = preprocess.New(transcriber, a.Detector, nil)

	graph, err := a.composeSupervisorGraph(ctx, logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: compose supervisor graph: %w", err)
	}
	a.Graph = graph
	a.graphHolder = &graphHolder{}
	a.graphHolder.set(graph)
	if err := a.watchPolicyFiles(ctx, logger); err != nil {
		logger.Warn("policy file watch disabled", "error", err)
	}

	a.Channels = channels.NewRegistry()
	if cfg.Channels.Twilio.AccountSID != "" {
		a.Channels.Register(twilio.New(twilio.Config{
			AccountSID: cfg.Channels.Twilio.AccountSID,
			AuthToken:  cfg.Channels.Twilio.AuthToken,
			FromNumber: cfg.Channels.Twilio.FromAddress,
		}, nil))
	}

	a.Worker = worker.New(worker.Config{
		InboundStream:  cfg.Streaming.InboundStream,
		OutboundStream: cfg.Streaming.OutboundStream,
		ConsumerGroup:  cfg.Streaming.ConsumerGroup,
		ConsumerName:   cfg.Streaming.ConsumerName,
		MaxConcurrency: cfg.Streaming.WorkerMaxConcurrency,
		BlockTimeout:   cfg.Streaming.BlockTimeout,
	}, a.Stream, a.Preprocessor, a.Memory, a.graphHolder, a.MediaHost, logger)

	a.Dispatcher = dispatcher.New(dispatcher.Config{
		OutboundStream: cfg.Streaming.OutboundStream,
		ConsumerGroup:  cfg.Streaming.OutboundConsumerGroup,
		ConsumerName:   cfg.Streaming.OutboundConsumerName,
		MaxConcurrency: cfg.Streaming.DispatcherMaxConcurrency,
		BlockTimeout:   cfg.Streaming.BlockTimeout,
	}, a.Stream, a.Idempotency, a.Channels, logger)

	return a, nil
}

// IngressHandler builds the HTTP handler for one channel's inbound webhook.
func (a *App) IngressHandler(source string) *ingress.Handler {
	twilioCfg := a.Config.Channels.Twilio
	return ingress.New(ingress.Config{
		Source:            source,
		InboundStream:     a.Config.Streaming.InboundStream,
		ValidateSignature: twilioCfg.ValidateSignature,
		AuthToken:         twilioCfg.AuthToken,
	}, a.Stream, a.Logger)
}

// Close releases every backing connection.
func (a *App) Close() error {
	if a.policyWatcher != nil {
		if err := a.policyWatcher.Close(); err != nil {
			a.Logger.Warn("policy watcher close failed", "error", err)
		}
	}
	if err := a.MCPManager.Stop(); err != nil {
		a.Logger.Warn("mcp manager stop failed", "error", err)
	}
	return a.Stream.Close()
}

// composeSupervisorGraph discovers tools from every MCP server plus the
// in-process local tools, composes them into agents, and builds the
// handoff graph the worker invokes per message.
func (a *App) composeSupervisorGraph(ctx context.Context, logger *slog.Logger) (*supervisor.Graph, error) {
	records, lookup := a.discoverTools()

	opts := []agentcompose.Option{
		agentcompose.WithPlaceholders(a.Config.AgentCompose.Placeholders),
		agentcompose.WithLogger(logger),
	}
	if rules, err := loadRules(a.Config.AgentCompose.RulesPath); err != nil {
		logger.Warn("failed to load agent composition rules", "path", a.Config.AgentCompose.RulesPath, "error", err)
	} else if rules != nil {
		opts = append(opts, agentcompose.WithRules(rules))
	}
	if packs, err := loadPolicyPacks(a.Config.AgentCompose.PolicyPackPaths); err != nil {
		logger.Warn("failed to load policy packs", "error", err)
	} else if len(packs) > 0 {
		opts = append(opts, agentcompose.WithPolicyPacks(packs))
	}

	composer := agentcompose.New(a.LLM, a.Config.AgentCompose.MaxToolsPerAgent, opts...)
	defs := composer.Compose(ctx, records)

	repeats := toolvalidate.NewRepeatCounter(60 * time.Second)

	toolsByAgent := make(map[string][]*toolvalidate.ValidatingTool, len(defs.Agents))
	for _, def := range defs.Agents {
		vts := make([]*toolvalidate.ValidatingTool, 0, len(def.Tools))
		for _, name := range def.Tools {
			tool, ok := lookup[name]
			if !ok {
				continue
			}
			vt, err := toolvalidate.New(tool, repeats)
			if err != nil {
				return nil, err
			}
			vts = append(vts, vt)
		}
		toolsByAgent[def.Name] = vts
	}

	utilityTools, err := supervisor.NewUtilityTools(a.Memory, repeats)
	if err != nil {
		return nil, err
	}
	synthTool, err := toolvalidate.New(localtools.NewSynthesizeSpeechTool(a.Synth), repeats)
	if err != nil {
		return nil, err
	}
	utilityTools = append(utilityTools, synthTool)

	return supervisor.NewGraph(
		a.LLM,
		a.Config.LLM.Model,
		supervisor.DefaultSupervisorSystemMessage(defs.Agents),
		defs.Agents,
		toolsByAgent,
		utilityTools,
	), nil
}

// discoverTools returns every tool the composer should consider (MCP tools
// across every connected server, plus the local language tools) alongside
// a lookup from tool name back to its invokable toolvalidate.Tool.
func (a *App) discoverTools() ([]agentcompose.ToolRecord, map[string]toolvalidate.Tool) {
	lookup := make(map[string]toolvalidate.Tool)
	var records []agentcompose.ToolRecord

	for _, qt := range a.MCPManager.QualifiedTools() {
		serverID := qt.ServerID
		records = append(records, agentcompose.ToolRecord{
			Name:         qt.QualifiedName,
			Description:  qt.Description,
			SourceServer: serverID,
			Schema:       qt.InputSchema,
		})
		lookup[qt.QualifiedName] = &mcpToolAdapter{
			manager:       a.MCPManager,
			serverID:      serverID,
			qualifiedName: qt.QualifiedName,
			toolName:      qt.Name,
			description:   qt.Description,
			schema:        qt.InputSchema,
		}
	}

	localToolList := []toolvalidate.Tool{
		localtools.NewDetectAndTranslateTool(a.Detector),
		localtools.NewTranslateToTool(a.Detector),
	}
	for _, t := range localToolList {
		records = append(records, agentcompose.ToolRecord{
			Name:         t.Name(),
			Description:  t.Description(),
			SourceServer: localtools.SourceServer,
			Schema:       t.ArgsSchema(),
		})
		lookup[t.Name()] = t
	}

	return records, lookup
}

// loadRules reads a JSON file mapping source_server to its RulesDocument.
// Returns nil, nil when path is empty.
func loadRules(path string) (map[string]agentcompose.RulesDocument, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rules map[string]agentcompose.RulesDocument
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	return rules, nil
}

// loadPolicyPacks reads one PolicyPack per path.
func loadPolicyPacks(paths []string) ([]agentcompose.PolicyPack, error) {
	packs := make([]agentcompose.PolicyPack, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		var pack agentcompose.PolicyPack
		if err := json.Unmarshal(data, &pack); err != nil {
			return nil, fmt.Errorf("parse policy pack %s: %w", p, err)
		}
		packs = append(packs, pack)
	}
	return packs, nil
}

// mcpToolAdapter exposes one MCP tool as a toolvalidate.Tool, dispatching
// Invoke through the manager's JSON-RPC call. Name() reports the
// collision-safe qualifiedName so it matches what the agent definitions and
// system messages advertise (see discoverTools); the call to the server
// itself always uses the server-local toolName.
type mcpToolAdapter struct {
	manager       *mcp.Manager
	serverID      string
	qualifiedName string
	toolName      string
	description   string
	schema        json.RawMessage
}

func (t *mcpToolAdapter) Name() string                { return t.qualifiedName }
func (t *mcpToolAdapter) Description() string         { return t.description }
func (t *mcpToolAdapter) ArgsSchema() json.RawMessage { return t.schema }

// Invoke surfaces the mcp package's own result/error shapes rather than
// flattening them: a tool-reported error keeps its raw text (so a provider's
// JSON validation-error body stays parseable by toolvalidate), and a
// successful call returns the polymorphic text-or-decoded-JSON value instead
// of always forcing a string.
func (t *mcpToolAdapter) Invoke(ctx context.Context, args map[string]any) (any, error) {
	result, err := t.manager.CallTool(ctx, t.serverID, t.toolName, args)
	if err != nil {
		return nil, err
	}
	return result.Value(), nil
}
