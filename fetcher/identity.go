package fetcher

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var videoIDPattern = regexp.MustCompile(`(?:video|item)/(\d+)`)

const unknownUser = "unknown"

// Identity is what the pipeline knows about a source before the media is on disk.
type Identity struct {
	VideoID  string
	Title    string
	Username string
	// Resolved is false when VideoID is a placeholder.
	Resolved bool
}

// IdentityError reports that the metadata probe could not resolve a stable id.
// It is not fatal: the fetch proceeds with the identity derived from the URL.
type IdentityError struct {
	URL string
	Err error
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("could not resolve video identity for %s: %v", e.URL, e.Err)
}

func (e *IdentityError) Unwrap() error { return e.Err }

// IdentityFromURL derives an identity from the URL alone. Without a numeric id in the path
// the id is a placeholder of the form unknown_<unix seconds>.
func IdentityFromURL(rawURL string, now time.Time) Identity {
	id := Identity{Username: usernameFromURL(rawURL)}
	if m := videoIDPattern.FindStringSubmatch(rawURL); m != nil {
		id.VideoID = m[1]
		id.Resolved = true
	} else {
		id.VideoID = fmt.Sprintf("unknown_%d", now.Unix())
	}
	id.Title = defaultTitle(id.Username, id.VideoID)
	return id
}

func usernameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return unknownUser
	}
	for _, seg := range strings.Split(u.Path, "/") {
		if len(seg) > 1 && strings.HasPrefix(seg, "@") {
			return seg[1:]
		}
	}
	return unknownUser
}

func defaultTitle(username, videoID string) string {
	return fmt.Sprintf("TikTok_%s_%s", username, videoID)
}

// expandAlternates fills {video_id} and {username} into each template. Templates that need a
// username are skipped when none is known.
func expandAlternates(templates []string, id Identity) []string {
	if !id.Resolved {
		return nil
	}
	r := strings.NewReplacer("{video_id}", id.VideoID, "{username}", id.Username)
	out := make([]string, 0, len(templates))
	for _, tpl := range templates {
		if strings.Contains(tpl, "{username}") && (id.Username == "" || id.Username == unknownUser) {
			continue
		}
		out = append(out, r.Replace(tpl))
	}
	return out
}
