package fetcher

import (
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"
)

// thumbnailFields are checked in order after thumbnails[].url.
var thumbnailFields = []string{"thumbnail", "thumbnail_url", "thumbnail_src", "cover_url", "cover", "poster", "image"}

var thumbnailExts = []string{".jpg", ".webp", ".png"}

// ThumbnailURL picks the first thumbnail URL from a metadata document.
func ThumbnailURL(doc []byte) string {
	if !gjson.ValidBytes(doc) {
		return ""
	}
	for _, th := range gjson.GetBytes(doc, "thumbnails").Array() {
		if u := th.Get("url"); u.Type == gjson.String && u.String() != "" {
			return u.String()
		}
	}
	for _, f := range thumbnailFields {
		if v := gjson.GetBytes(doc, f); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// thumbnailFile returns the thumbnail image written next to the audio, checked by exact name.
func thumbnailFile(dir, videoID string) string {
	for _, ext := range thumbnailExts {
		p := filepath.Join(dir, videoID+ext)
		if fileExists(p) {
			return p
		}
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir() && info.Size() > 0
}
