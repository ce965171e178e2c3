package transcriber

import (
	"fmt"
	"strings"
)

// NoContent is written when the service returned no segments.
const NoContent = "No transcript content available."

// markerInterval is the playback span covered by one timestamp marker, in seconds.
const markerInterval = 30

// FormatTranscript writes a [HH:MM:SS] marker whenever a segment starts in a later 30 second
// section than the previous marker, followed by one line per segment.
func FormatTranscript(segments []Segment) string {
	if len(segments) == 0 {
		return NoContent
	}
	var b strings.Builder
	lastSection := -1
	for _, seg := range segments {
		section := int(seg.Start) / markerInterval
		if section > lastSection {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "[%s]\n", clock(seg.Start))
			lastSection = section
		}
		b.WriteString(strings.TrimSpace(seg.Text))
		b.WriteString("\n")
	}
	return b.String()
}

func clock(seconds float64) string {
	s := int(seconds)
	if s < 0 {
		s = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, s%3600/60, s%60)
}
