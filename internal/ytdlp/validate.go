package ytdlp

import (
	"fmt"
	"regexp"
)

// youtubeURL matches at the start only. Scheme and www are optional and
// anything may follow the host.
var youtubeURL = regexp.MustCompile(`^(https?://)?(www\.)?(youtube|youtu)\.(com|be)/.*`)

// MinURLLength is the shortest playlist_url the HTTP surface accepts.
const MinURLLength = 10

func ValidateURL(url string) error {
	if !youtubeURL.MatchString(url) {
		return fmt.Errorf("%w: not a YouTube URL: %q", ErrInvalidInput, url)
	}
	return nil
}

type Format string

const (
	MP4 Format = "mp4"
	MP3 Format = "mp3"
)

// ParseFormat accepts "mp4" and "mp3". The empty string means mp4.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", MP4:
		return MP4, nil
	case MP3:
		return MP3, nil
	}
	return "", fmt.Errorf("%w: unsupported format %q (want mp4 or mp3)", ErrInvalidInput, s)
}

func (f Format) String() string {
	return string(f)
}

// Selector returns the yt-dlp -f expression for the format.
func (f Format) Selector() string {
	if f == MP3 {
		return "bestaudio"
	}
	return "bestvideo+bestaudio"
}
