package message

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationIDOrderIndependent(t *testing.T) {
	assert.Equal(t, ConversationID("alice", "bob"), ConversationID("bob", "alice"))
	assert.Equal(t, ConversationID("Alice", "BOB"), ConversationID("bob", "alice"),
		"identities must be case-normalized")
	assert.NotEqual(t, ConversationID("alice", "bob"), ConversationID("alice", "carol"))
}

func TestParseInboundValid(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "msg-1",
		"sender": "0xAlice",
		"receiver": "0xBob",
		"content": "hello",
		"timestamp": 1700000000000,
		"encrypted": false
	}`)

	m, err := ParseInbound(raw)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", m.ID)
	assert.Equal(t, "0xalice", m.Sender, "sender must be lowercased")
	assert.Equal(t, "0xbob", m.Receiver)
	assert.Equal(t, "hello", m.Content)
}

func TestParseInboundEncrypted(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "msg-2",
		"sender": "alice",
		"receiver": "bob",
		"encryptedContent": "Y2lwaGVy",
		"iv": "bm9uY2U=",
		"timestamp": 1700000000000,
		"encrypted": true
	}`)

	m, err := ParseInbound(raw)
	require.NoError(t, err)
	assert.True(t, m.Encrypted)
	assert.NotEmpty(t, m.EncryptedContent)
	assert.NotEmpty(t, m.IV)
}

func TestParseInboundRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"missing id", `{"sender":"a","receiver":"b","timestamp":1,"encrypted":false}`},
		{"missing sender", `{"id":"x","receiver":"b","timestamp":1,"encrypted":false}`},
		{"missing receiver", `{"id":"x","sender":"a","timestamp":1,"encrypted":false}`},
		{"missing timestamp", `{"id":"x","sender":"a","receiver":"b","encrypted":false}`},
		{"encrypted without iv", `{"id":"x","sender":"a","receiver":"b","timestamp":1,"encrypted":true,"encryptedContent":"abc"}`},
		{"encrypted without ciphertext", `{"id":"x","sender":"a","receiver":"b","timestamp":1,"encrypted":true,"iv":"abc"}`},
		{"oversized sender", `{"id":"x","sender":"` + strings.Repeat("a", 200) + `","receiver":"b","timestamp":1,"encrypted":false}`},
		{"oversized content", `{"id":"x","sender":"a","receiver":"b","timestamp":1,"encrypted":false,"content":"` + strings.Repeat("z", 70*1024) + `"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseInbound(json.RawMessage(tc.raw))
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestCloneIsIndependent(t *testing.T) {
	m := &Message{ID: "x", Content: "original", Status: StatusSent}
	clone := m.Clone()
	clone.Content = "mutated"
	clone.Status = StatusFailed

	assert.Equal(t, "original", m.Content)
	assert.Equal(t, StatusSent, m.Status)
}
