// Package mediahost serves generated media (TTS audio, downloaded inbound
// attachments) from a single root directory over HTTP, with the same
// resolved-path traversal protection the teacher's canvas host uses.
// Adapted from the teacher's internal/canvas/host.go resolveFilePath.
package mediahost

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Config configures a Host.
type Config struct {
	RootDir       string // directory files are served from and written to
	PublicBaseURL string // e.g. https://gateway.example.com/media
	URLPrefix     string // path prefix this handler is mounted under, default "/media/"
}

func (c *Config) applyDefaults() {
	if c.URLPrefix == "" {
		c.URLPrefix = "/media/"
	}
	if !strings.HasSuffix(c.URLPrefix, "/") {
		c.URLPrefix += "/"
	}
}

// Host serves files under RootDir and builds public URLs for them.
type Host struct {
	cfg    Config
	logger *slog.Logger
}

// New builds a Host. RootDir is created if it does not already exist.
func New(cfg Config, logger *slog.Logger) (*Host, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		return nil, err
	}
	return &Host{cfg: cfg, logger: logger.With("component", "mediahost")}, nil
}

// PublicURL returns the URL a client can use to fetch relPath, a
// slash-separated path relative to RootDir (e.g. the relName given to
// PlaceFile).
func (h *Host) PublicURL(relPath string) string {
	return strings.TrimSuffix(h.cfg.PublicBaseURL, "/") + h.cfg.URLPrefix + relPath
}

// PlaceFile copies an already-written file at absPath into RootDir under
// relName and returns the public URL for it. Used to publish TTS output
// (whose absolute path is otherwise a local filesystem detail) to channel
// adapters that need a fetchable URL.
func (h *Host) PlaceFile(absPath, relName string) (string, error) {
	data, err := os.ReadFile(absPath)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(h.cfg.RootDir, filepath.FromSlash(relName))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", err
	}
	return h.PublicURL(relName), nil
}

// Handler returns the http.Handler to mount at cfg.URLPrefix.
func (h *Host) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rel := strings.TrimPrefix(r.URL.Path, h.cfg.URLPrefix)
		resolved, err := h.resolveFilePath(rel)
		if err != nil {
			if err == errTraversal {
				http.Error(w, "invalid path", http.StatusBadRequest)
				return
			}
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, resolved)
	})
}

var errTraversal = errors.New("mediahost: path escapes root")

// resolveFilePath resolves rel against RootDir and rejects any path that
// escapes it, following symlinks before the final prefix comparison so a
// symlink planted inside RootDir cannot be used to point outside it.
func (h *Host) resolveFilePath(rel string) (string, error) {
	normalized := path.Clean(strings.TrimPrefix(rel, "/"))
	if normalized == ".." || strings.HasPrefix(normalized, "../") {
		return "", errTraversal
	}

	rootReal, err := filepath.EvalSymlinks(h.cfg.RootDir)
	if err != nil {
		rootReal = h.cfg.RootDir
	}

	candidate := filepath.Join(h.cfg.RootDir, filepath.FromSlash(strings.TrimPrefix(normalized, "/")))

	lstat, err := os.Lstat(candidate)
	if err != nil {
		return "", os.ErrNotExist
	}
	if lstat.IsDir() {
		return "", os.ErrNotExist
	}

	realPath, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return "", os.ErrNotExist
	}

	rootReal = filepath.Clean(rootReal)
	realPath = filepath.Clean(realPath)
	rootPrefix := rootReal
	if !strings.HasSuffix(rootPrefix, string(os.PathSeparator)) {
		rootPrefix += string(os.PathSeparator)
	}
	if realPath != rootReal && !strings.HasPrefix(realPath, rootPrefix) {
		return "", errTraversal
	}
	return realPath, nil
}
