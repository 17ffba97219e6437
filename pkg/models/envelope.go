package models

import "time"

// ContentType classifies the primary content of an inbound message.
type ContentType string

// Content type values accepted on the ingress envelope.
const (
	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeAudio    ContentType = "audio"
	ContentTypeVideo    ContentType = "video"
	ContentTypeDocument ContentType = "document"
	ContentTypeLocation ContentType = "location"
	ContentTypeContact  ContentType = "contact"
	ContentTypeMixed    ContentType = "mixed"
)

// ValidContentType reports whether ct is one of the accepted content types.
func ValidContentType(ct ContentType) bool {
	switch ct {
	case ContentTypeText, ContentTypeImage, ContentTypeAudio, ContentTypeVideo,
		ContentTypeDocument, ContentTypeLocation, ContentTypeContact, ContentTypeMixed:
		return true
	}
	return false
}

// MediaItem describes one media attachment on an inbound message.
type MediaItem struct {
	URL       string `json:"url"`
	MimeType  string `json:"mime_type,omitempty"`
	Caption   string `json:"caption,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// Location is an optional geo payload on an inbound message.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// RawMessage is the normalized ingress envelope. Channel adapters upstream
// are responsible for producing this shape; the core never sees provider
// wire formats. Unknown fields on the wire are tolerated and dropped.
type RawMessage struct {
	ID                string         `json:"id,omitempty"` // assigned at ingress
	TenantID          string         `json:"tenant_id"`
	AgentID           string         `json:"agent_id"`
	Channel           string         `json:"channel"`
	ChannelUserID     string         `json:"channel_user_id"`
	ContentType       ContentType    `json:"content_type"`
	Text              string         `json:"text,omitempty"` // may be empty when content_type != text
	Media             []MediaItem    `json:"media,omitempty"`
	Location          *Location      `json:"location,omitempty"`
	Structured        map[string]any `json:"structured,omitempty"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	IdempotencyKey    string         `json:"idempotency_key,omitempty"`
	ReceivedAt        time.Time      `json:"received_at"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// SizeBytes approximates the envelope payload size for cap enforcement.
// Counts text, media captions/URLs and structured keys; intentionally cheap
// rather than exact.
func (m *RawMessage) SizeBytes() int {
	n := len(m.Text)
	for _, item := range m.Media {
		n += len(item.URL) + len(item.Caption)
	}
	for k, v := range m.Structured {
		n += len(k)
		if s, ok := v.(string); ok {
			n += len(s)
		}
	}
	return n
}
