// Package ingress implements the inbound HTTP webhook handler: validates the
// provider signature when enabled, extracts the canonical form fields, and
// publishes an inbound envelope without doing any agent work in-band.
package ingress

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-gateway/conversant/internal/channels/twilio"
	"github.com/nexus-gateway/conversant/pkg/envelope"
)

var errMissingUserOrContent = errors.New("ingress: user_id is required and either text or media must be present")

// streamClient is the subset of *streaming.Client the ingress handler depends on.
type streamClient interface {
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)
}

// Config configures a Handler.
type Config struct {
	Source            string // channel label attached to every published envelope, e.g. "twilio"
	InboundStream     string
	ValidateSignature bool
	AuthToken         string
}

// Handler is the HTTP handler for one channel's inbound webhook.
type Handler struct {
	cfg    Config
	stream streamClient
	logger *slog.Logger
}

// New builds a Handler.
func New(cfg Config, stream streamClient, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{cfg: cfg, stream: stream, logger: logger.With("component", "ingress", "source", cfg.Source)}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}

	if h.cfg.ValidateSignature {
		signature := r.Header.Get("X-Twilio-Signature")
		fullURL := requestURL(r)
		if !twilio.VerifySignature(h.cfg.AuthToken, signature, fullURL, r.Form) {
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	in, err := parseInbound(h.cfg.Source, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	fields, err := in.Fields()
	if err != nil {
		h.logger.Error("failed to encode inbound envelope", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if _, err := h.stream.Append(r.Context(), h.cfg.InboundStream, fields); err != nil {
		h.logger.Error("failed to publish inbound envelope", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func requestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func parseInbound(source string, r *http.Request) (envelope.Inbound, error) {
	userID := r.FormValue("From")
	text := r.FormValue("Body")
	providerMessageID := r.FormValue("MessageSid")

	numMedia, _ := strconv.Atoi(r.FormValue("NumMedia"))
	var media []envelope.MediaItem
	for i := 0; i < numMedia; i++ {
		url := r.FormValue("MediaUrl" + strconv.Itoa(i))
		contentType := r.FormValue("MediaContentType" + strconv.Itoa(i))
		if url == "" {
			continue
		}
		media = append(media, envelope.MediaItem{URL: url, ContentType: contentType})
	}

	if userID == "" || (text == "" && numMedia == 0) {
		return envelope.Inbound{}, errMissingUserOrContent
	}

	messageID := uuid.NewString()
	return envelope.Inbound{
		MessageID:      messageID,
		Source:         source,
		UserID:         userID,
		ConversationID: messageID,
		Text:           text,
		Timestamp:      time.Now().UTC(),
		Metadata: envelope.Metadata{
			Media:           media,
			NumMedia:        numMedia,
			ProviderMessage: providerMessageID,
		},
	}, nil
}
