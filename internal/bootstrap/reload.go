package bootstrap

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nexus-gateway/conversant/internal/supervisor"
	"github.com/nexus-gateway/conversant/internal/toolvalidate"
)

// graphHolder lets the worker hold a swappable supervisor graph so a policy
// pack or rules-document edit can take effect without restarting the
// process. Adapted from the teacher's internal/canvas/host.go watchLoop
// debounce idiom, applied here to agent composition instead of live browser
// reload.
type graphHolder struct {
	ptr atomic.Pointer[supervisor.Graph]
}

func (h *graphHolder) set(g *supervisor.Graph) { h.ptr.Store(g) }

func (h *graphHolder) Handle(ctx context.Context, rc *toolvalidate.RequestContext, userMessage string) supervisor.StructuredReply {
	return h.ptr.Load().Handle(ctx, rc, userMessage)
}

// watchPolicyFiles watches the rules document and policy pack files named in
// the agent-composer config and recomposes the supervisor graph whenever one
// changes. It is a no-op when neither is configured. The watcher and its
// goroutine are torn down by Close.
func (a *App) watchPolicyFiles(ctx context.Context, logger *slog.Logger) error {
	paths := make([]string, 0, len(a.Config.AgentCompose.PolicyPackPaths)+1)
	if a.Config.AgentCompose.RulesPath != "" {
		paths = append(paths, a.Config.AgentCompose.RulesPath)
	}
	paths = append(paths, a.Config.AgentCompose.PolicyPackPaths...)
	if len(paths) == 0 {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dirs := make(map[string]struct{})
	for _, p := range paths {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			logger.Warn("failed to watch policy directory", "dir", dir, "error", err)
		}
	}

	a.policyWatcher = watcher
	go a.policyWatchLoop(ctx, watcher, logger)
	return nil
}

func (a *App) policyWatchLoop(ctx context.Context, watcher *fsnotify.Watcher, logger *slog.Logger) {
	var mu sync.Mutex
	var timer *time.Timer
	const debounce = 500 * time.Millisecond

	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			graph, err := a.composeSupervisorGraph(ctx, logger)
			if err != nil {
				logger.Warn("policy hot-reload failed, keeping previous supervisor graph", "error", err)
				return
			}
			a.graphHolder.set(graph)
			logger.Info("supervisor graph recomposed after policy file change")
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("policy watch error", "error", err)
		}
	}
}
