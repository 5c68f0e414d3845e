// Package twilio implements the Twilio-style SMS/WhatsApp channel adapter:
// inbound webhook signature verification and outbound message delivery.
// Adapted from the teacher's internal/voice/twilio.go HMAC-SHA1 scheme.
package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
)

// VerifySignature validates an inbound webhook's X-Twilio-Signature header:
// HMAC-SHA1 over the full request URL followed by each form key/value pair,
// sorted by key, keyed with the account auth token.
func VerifySignature(authToken, signature, fullURL string, form url.Values) bool {
	if signature == "" {
		return false
	}

	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sigString := fullURL
	for _, k := range keys {
		for _, v := range form[k] {
			sigString += k + v
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(sigString))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}
