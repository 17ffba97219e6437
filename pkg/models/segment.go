package models

// SegmentType classifies an outbound response segment.
type SegmentType string

// Segment type values.
const (
	SegmentTypeText     SegmentType = "text"
	SegmentTypeImage    SegmentType = "image"
	SegmentTypeAudio    SegmentType = "audio"
	SegmentTypeVideo    SegmentType = "video"
	SegmentTypeDocument SegmentType = "document"
)

// Button is an interactive button attached to a response segment.
type Button struct {
	Label   string `json:"label"`
	Payload string `json:"payload,omitempty"`
	URL     string `json:"url,omitempty"`
}

// ResponseSegment is one normalized outbound message unit. Channel adapters
// downstream translate segments into provider-specific formats.
type ResponseSegment struct {
	Type         SegmentType `json:"type"`
	Text         string      `json:"text,omitempty"`
	MediaURL     string      `json:"media_url,omitempty"`
	MimeType     string      `json:"mime_type,omitempty"`
	Buttons      []Button    `json:"buttons,omitempty"`
	QuickReplies []string    `json:"quick_replies,omitempty"`
}
