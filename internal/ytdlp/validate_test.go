package ytdlp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name  string
		url   string
		valid bool
	}{
		{"playlist", "https://www.youtube.com/playlist?list=PL123", true},
		{"watch without www", "https://youtube.com/watch?v=abc&list=PL123", true},
		{"short link", "https://youtu.be/abc123", true},
		{"no scheme", "www.youtube.com/playlist?list=PL123", true},
		{"http", "http://youtube.com/x", true},
		{"other host", "https://vimeo.com/123456", false},
		{"missing path", "https://www.youtube.com", false},
		{"embedded later", "see https://youtube.com/x", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in       string
		want     Format
		selector string
		wantErr  bool
	}{
		{"mp4", MP4, "bestvideo+bestaudio", false},
		{"", MP4, "bestvideo+bestaudio", false},
		{"mp3", MP3, "bestaudio", false},
		{"MP3", "", "", true},
		{"webm", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.selector, got.Selector())
		})
	}
}
