package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidContentType(t *testing.T) {
	valid := []ContentType{
		ContentTypeText, ContentTypeImage, ContentTypeAudio, ContentTypeVideo,
		ContentTypeDocument, ContentTypeLocation, ContentTypeContact, ContentTypeMixed,
	}
	for _, ct := range valid {
		assert.True(t, ValidContentType(ct), string(ct))
	}
	assert.False(t, ValidContentType("sticker"))
	assert.False(t, ValidContentType(""))
}

func TestRawMessage_SizeBytes(t *testing.T) {
	tests := []struct {
		name string
		msg  RawMessage
		want int
	}{
		{
			name: "empty message",
			msg:  RawMessage{},
			want: 0,
		},
		{
			name: "text only",
			msg:  RawMessage{Text: "hello there"},
			want: 11,
		},
		{
			name: "media url and caption counted",
			msg: RawMessage{
				Text: "pic",
				Media: []MediaItem{
					{URL: "https://cdn.example/a.png", Caption: "receipt"},
					{URL: "https://cdn.example/b.png"},
				},
			},
			want: 3 + 25 + 7 + 25,
		},
		{
			name: "structured counts keys and string values only",
			msg: RawMessage{
				Structured: map[string]any{
					"action": "confirm", // 6 + 7
					"count":  3,         // 5, int value ignored
				},
			},
			want: 6 + 7 + 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.SizeBytes())
		})
	}
}
