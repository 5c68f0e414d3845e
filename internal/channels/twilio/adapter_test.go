package twilio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-gateway/conversant/pkg/envelope"
)

func TestSendPostsFormEncodedMessage(t *testing.T) {
	var gotTo, gotBody, gotMedia, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotTo = r.FormValue("To")
		gotBody = r.FormValue("Body")
		gotMedia = r.FormValue("MediaUrl")
		user, pass, ok := r.BasicAuth()
		if ok {
			gotAuth = user + ":" + pass
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	a := New(Config{AccountSID: "AC123", AuthToken: "tok", FromNumber: "+1555", BaseURL: server.URL}, nil)

	err := a.Send(context.Background(), envelope.Outbound{
		UserID: "+15559999", ReplyText: "hello", ReplyAudioURL: "https://media.example.com/a.mp3",
	})

	require.NoError(t, err)
	assert.Equal(t, "+15559999", gotTo)
	assert.Equal(t, "hello", gotBody)
	assert.Equal(t, "https://media.example.com/a.mp3", gotMedia)
	assert.Equal(t, "AC123:tok", gotAuth)
}

func TestSendReturnsErrorOnNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	a := New(Config{AccountSID: "AC123", AuthToken: "tok", BaseURL: server.URL}, nil)
	err := a.Send(context.Background(), envelope.Outbound{UserID: "+1", ReplyText: "hi"})
	assert.Error(t, err)
}

func TestTypeReturnsTwilio(t *testing.T) {
	a := New(Config{AccountSID: "AC", AuthToken: "t"}, nil)
	assert.Equal(t, "twilio", a.Type())
}
