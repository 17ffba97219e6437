package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionKey(t *testing.T) {
	tests := []struct {
		name string
		in   [4]string
		want SessionKey
	}{
		{
			name: "already lowercase",
			in:   [4]string{"acme", "support-bot", "whatsapp-123", "whatsapp"},
			want: "sess:acme:support-bot:whatsapp-123:whatsapp",
		},
		{
			name: "mixed case is normalized",
			in:   [4]string{"Acme", "Support-Bot", "WhatsApp-123", "WhatsApp"},
			want: "sess:acme:support-bot:whatsapp-123:whatsapp",
		},
		{
			name: "uuid interlocutor",
			in:   [4]string{"acme", "billing", "9F3A0C1E-77D2-4E0B-9B36-0C2F1C7F2A10", "web"},
			want: "sess:acme:billing:9f3a0c1e-77d2-4e0b-9b36-0c2f1c7f2a10:web",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewSessionKey(tt.in[0], tt.in[1], tt.in[2], tt.in[3])
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewSessionKey_CaseInsensitiveScopesCollide(t *testing.T) {
	// Two ingress spellings of the same scope must serialize on one key.
	a := NewSessionKey("Acme", "support-bot", "User-7", "web")
	b := NewSessionKey("acme", "SUPPORT-BOT", "user-7", "WEB")
	assert.Equal(t, a, b)
}

func TestSessionKey_Parts(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		key := NewSessionKey("acme", "support-bot", "whatsapp-123", "whatsapp")
		tenant, agent, interlocutor, channel, err := key.Parts()
		require.NoError(t, err)
		assert.Equal(t, "acme", tenant)
		assert.Equal(t, "support-bot", agent)
		assert.Equal(t, "whatsapp-123", interlocutor)
		assert.Equal(t, "whatsapp", channel)
	})

	malformed := []struct {
		name string
		key  SessionKey
	}{
		{"empty", SessionKey("")},
		{"wrong prefix", SessionKey("session:acme:bot:user:web")},
		{"too few segments", SessionKey("sess:acme:bot:user")},
		{"too many segments", SessionKey("sess:acme:bot:user:web:extra")},
		{"empty tenant", SessionKey("sess::bot:user:web")},
		{"empty channel", SessionKey("sess:acme:bot:user:")},
		{"no separators", SessionKey("sess-acme-bot-user-web")},
	}
	for _, tt := range malformed {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, _, err := tt.key.Parts()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "malformed session key")
		})
	}
}

func TestSessionKey_TenantID(t *testing.T) {
	key := NewSessionKey("acme", "support-bot", "user-1", "web")
	assert.Equal(t, "acme", key.TenantID())
	assert.Empty(t, SessionKey("not-a-key").TenantID())
}
