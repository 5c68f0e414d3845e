package mediahost

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHost(t *testing.T) *Host {
	t.Helper()
	root := t.TempDir()
	h, err := New(Config{RootDir: root, PublicBaseURL: "https://media.example.com"}, nil)
	require.NoError(t, err)
	return h
}

func TestHandlerServesExistingFile(t *testing.T) {
	h := newHost(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.cfg.RootDir, "clip.mp3"), []byte("audio-bytes"), 0o644))

	req := httptest.NewRequest(http.MethodGet, "/media/clip.mp3", nil)
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio-bytes", rec.Body.String())
}

func TestHandlerReturns404OnMissingFile(t *testing.T) {
	h := newHost(t)

	req := httptest.NewRequest(http.MethodGet, "/media/missing.mp3", nil)
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerReturns400OnTraversal(t *testing.T) {
	h := newHost(t)
	// a secret file one directory above root
	secret := filepath.Join(filepath.Dir(h.cfg.RootDir), "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("nope"), 0o644))
	defer os.Remove(secret)

	req := httptest.NewRequest(http.MethodGet, "/media/../secret.txt", nil)
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerRejectsEncodedTraversal(t *testing.T) {
	h := newHost(t)

	req := httptest.NewRequest(http.MethodGet, "/media/%2e%2e/secret.txt", nil)
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, req)

	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestPlaceFileCopiesUnderRootAndReturnsPublicURL(t *testing.T) {
	h := newHost(t)
	src := filepath.Join(t.TempDir(), "source.wav")
	require.NoError(t, os.WriteFile(src, []byte("wav-bytes"), 0o644))

	url, err := h.PlaceFile(src, "tts_abc.wav")
	require.NoError(t, err)
	assert.Equal(t, "https://media.example.com/media/tts_abc.wav", url)

	data, err := os.ReadFile(filepath.Join(h.cfg.RootDir, "tts_abc.wav"))
	require.NoError(t, err)
	assert.Equal(t, "wav-bytes", string(data))
}

func TestResolveFilePathRejectsDotDotPrefix(t *testing.T) {
	h := newHost(t)
	_, err := h.resolveFilePath("../outside.txt")
	assert.Equal(t, errTraversal, err)
}
