package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-gateway/conversant/internal/channels/twilio"
)

func sortedKeys(form url.Values) []string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func hmacSHA1Base64(authToken, sigString string) string {
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(sigString))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type fakeStream struct {
	stream string
	fields map[string]string
}

func (f *fakeStream) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	f.stream = stream
	f.fields = fields
	return "1-0", nil
}

func postForm(h http.Handler, form url.Values, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "http://example.com/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServeHTTPPublishesValidMessage(t *testing.T) {
	fs := &fakeStream{}
	h := New(Config{Source: "twilio", InboundStream: "in"}, fs, nil)

	form := url.Values{"From": {"+15551234567"}, "Body": {"hello"}, "MessageSid": {"SM123"}}
	rec := postForm(h, form, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "in", fs.stream)
	assert.Equal(t, "+15551234567", fs.fields["user_id"])
	assert.Equal(t, "hello", fs.fields["text"])
	assert.NotEmpty(t, fs.fields["message_id"])
	assert.Equal(t, fs.fields["message_id"], fs.fields["conversation_id"])
}

func TestServeHTTPParsesMedia(t *testing.T) {
	fs := &fakeStream{}
	h := New(Config{Source: "twilio", InboundStream: "in"}, fs, nil)

	form := url.Values{
		"From": {"+15551234567"}, "Body": {""}, "NumMedia": {"1"},
		"MediaUrl0": {"https://example.com/a.ogg"}, "MediaContentType0": {"audio/ogg"},
	}
	rec := postForm(h, form, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, fs.fields["metadata"], "audio/ogg")
}

func TestServeHTTPRejectsMissingUserID(t *testing.T) {
	fs := &fakeStream{}
	h := New(Config{Source: "twilio", InboundStream: "in"}, fs, nil)

	rec := postForm(h, url.Values{"Body": {"hello"}}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeHTTPRejectsEmptyTextAndNoMedia(t *testing.T) {
	fs := &fakeStream{}
	h := New(Config{Source: "twilio", InboundStream: "in"}, fs, nil)

	rec := postForm(h, url.Values{"From": {"+1555"}}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeHTTPRejectsInvalidSignatureWhenEnabled(t *testing.T) {
	fs := &fakeStream{}
	h := New(Config{Source: "twilio", InboundStream: "in", ValidateSignature: true, AuthToken: "tok"}, fs, nil)

	form := url.Values{"From": {"+1555"}, "Body": {"hi"}}
	rec := postForm(h, form, map[string]string{"X-Twilio-Signature": "bogus"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServeHTTPAcceptsValidSignatureWhenEnabled(t *testing.T) {
	fs := &fakeStream{}
	h := New(Config{Source: "twilio", InboundStream: "in", ValidateSignature: true, AuthToken: "tok"}, fs, nil)

	form := url.Values{"From": {"+1555"}, "Body": {"hi"}}
	sig := validSignatureFor(t, "tok", "http://example.com/webhook/twilio", form)
	rec := postForm(h, form, map[string]string{"X-Twilio-Signature": sig})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func validSignatureFor(t *testing.T, authToken, fullURL string, form url.Values) string {
	t.Helper()
	// Reuse the package's own verification by brute-constructing a signature
	// the same way twilio.VerifySignature checks it, then confirm round-trip.
	sigString := fullURL
	for _, k := range sortedKeys(form) {
		for _, v := range form[k] {
			sigString += k + v
		}
	}
	sig := hmacSHA1Base64(authToken, sigString)
	require.True(t, twilio.VerifySignature(authToken, sig, fullURL, form))
	return sig
}
