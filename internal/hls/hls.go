// Package hls parses and renders HTTP Live Streaming media playlists. Only
// the tag set the transcoder emits is supported: this is a VOD pipeline, not a
// general-purpose playlist library.
package hls

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Segment is one media chunk referenced by a playlist.
type Segment struct {
	URI             string
	Duration        float64
	Title           string
	Discontinuity   bool
	ByteRangeLength *int64
	ByteRangeOffset *int64
	KeyURI          string
	MapURI          string
	CueOut          bool
	CueIn           bool
}

// Manifest is a parsed media playlist.
type Manifest struct {
	Version               int
	TargetDuration        float64
	MediaSequence         int
	DiscontinuitySequence int
	PlaylistType          string
	IndependentSegments   bool
	EndList               bool
	Segments              []Segment
}

// TotalDuration sums the segment durations.
func (m Manifest) TotalDuration() float64 {
	total := 0.0
	for _, segment := range m.Segments {
		total += segment.Duration
	}
	return total
}

// Parse reads a media playlist. Unknown tags are ignored so encoder quirks do
// not break ingestion.
func Parse(r io.Reader) (Manifest, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var manifest Manifest
	var pending Segment
	var keyURI, mapURI string

	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if first {
			if line != "#EXTM3U" {
				return Manifest{}, fmt.Errorf("not an m3u8 playlist: first line %q", line)
			}
			first = false
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			value, err := strconv.Atoi(tagValue(line))
			if err != nil {
				return Manifest{}, fmt.Errorf("parse version: %w", err)
			}
			manifest.Version = value
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			value, err := strconv.ParseFloat(tagValue(line), 64)
			if err != nil {
				return Manifest{}, fmt.Errorf("parse target duration: %w", err)
			}
			manifest.TargetDuration = value
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			value, err := strconv.Atoi(tagValue(line))
			if err != nil {
				return Manifest{}, fmt.Errorf("parse media sequence: %w", err)
			}
			manifest.MediaSequence = value
		case strings.HasPrefix(line, "#EXT-X-DISCONTINUITY-SEQUENCE:"):
			value, err := strconv.Atoi(tagValue(line))
			if err != nil {
				return Manifest{}, fmt.Errorf("parse discontinuity sequence: %w", err)
			}
			manifest.DiscontinuitySequence = value
		case strings.HasPrefix(line, "#EXT-X-PLAYLIST-TYPE:"):
			manifest.PlaylistType = tagValue(line)
		case line == "#EXT-X-INDEPENDENT-SEGMENTS":
			manifest.IndependentSegments = true
		case line == "#EXT-X-DISCONTINUITY":
			pending.Discontinuity = true
		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			keyURI = attributeValue(tagValue(line), "URI")
		case strings.HasPrefix(line, "#EXT-X-MAP:"):
			mapURI = attributeValue(tagValue(line), "URI")
		case strings.HasPrefix(line, "#EXT-X-BYTERANGE:"):
			length, offset, err := parseByteRange(tagValue(line))
			if err != nil {
				return Manifest{}, err
			}
			pending.ByteRangeLength = &length
			if offset >= 0 {
				value := offset
				pending.ByteRangeOffset = &value
			}
		case strings.HasPrefix(line, "#EXT-X-CUE-OUT"):
			pending.CueOut = true
		case strings.HasPrefix(line, "#EXT-X-CUE-IN"):
			pending.CueIn = true
		case strings.HasPrefix(line, "#EXTINF:"):
			payload := tagValue(line)
			durationPart := payload
			if idx := strings.Index(payload, ","); idx >= 0 {
				durationPart = payload[:idx]
				pending.Title = strings.TrimSpace(payload[idx+1:])
			}
			duration, err := strconv.ParseFloat(strings.TrimSpace(durationPart), 64)
			if err != nil {
				return Manifest{}, fmt.Errorf("parse segment duration: %w", err)
			}
			pending.Duration = duration
		case line == "#EXT-X-ENDLIST":
			manifest.EndList = true
		case strings.HasPrefix(line, "#"):
			// Unknown tag or comment.
		default:
			pending.URI = line
			pending.KeyURI = keyURI
			pending.MapURI = mapURI
			manifest.Segments = append(manifest.Segments, pending)
			pending = Segment{}
		}
	}
	if err := scanner.Err(); err != nil {
		return Manifest{}, fmt.Errorf("read playlist: %w", err)
	}
	if first {
		return Manifest{}, fmt.Errorf("empty playlist")
	}
	return manifest, nil
}

// Encode renders the manifest in canonical form. Round-tripping a parsed
// manifest through Encode preserves segment count, ordering, and durations.
func Encode(w io.Writer, manifest Manifest) error {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")

	version := manifest.Version
	if version <= 0 {
		version = 3
	}
	fmt.Fprintf(&b, "#EXT-X-VERSION:%d\n", version)
	if manifest.IndependentSegments {
		b.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")
	}
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(manifest.TargetDuration)))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", manifest.MediaSequence)
	if manifest.DiscontinuitySequence > 0 {
		fmt.Fprintf(&b, "#EXT-X-DISCONTINUITY-SEQUENCE:%d\n", manifest.DiscontinuitySequence)
	}
	if manifest.PlaylistType != "" {
		fmt.Fprintf(&b, "#EXT-X-PLAYLIST-TYPE:%s\n", manifest.PlaylistType)
	}

	var lastKey, lastMap string
	for _, segment := range manifest.Segments {
		if segment.Discontinuity {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		if segment.KeyURI != lastKey {
			if segment.KeyURI != "" {
				fmt.Fprintf(&b, "#EXT-X-KEY:METHOD=AES-128,URI=%q\n", segment.KeyURI)
			}
			lastKey = segment.KeyURI
		}
		if segment.MapURI != lastMap {
			if segment.MapURI != "" {
				fmt.Fprintf(&b, "#EXT-X-MAP:URI=%q\n", segment.MapURI)
			}
			lastMap = segment.MapURI
		}
		if segment.CueOut {
			b.WriteString("#EXT-X-CUE-OUT\n")
		}
		if segment.CueIn {
			b.WriteString("#EXT-X-CUE-IN\n")
		}
		if segment.ByteRangeLength != nil {
			if segment.ByteRangeOffset != nil {
				fmt.Fprintf(&b, "#EXT-X-BYTERANGE:%d@%d\n", *segment.ByteRangeLength, *segment.ByteRangeOffset)
			} else {
				fmt.Fprintf(&b, "#EXT-X-BYTERANGE:%d\n", *segment.ByteRangeLength)
			}
		}
		if segment.Title != "" {
			fmt.Fprintf(&b, "#EXTINF:%s,%s\n", formatDuration(segment.Duration), segment.Title)
		} else {
			fmt.Fprintf(&b, "#EXTINF:%s,\n", formatDuration(segment.Duration))
		}
		b.WriteString(segment.URI)
		b.WriteByte('\n')
	}

	if manifest.EndList {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write playlist: %w", err)
	}
	return nil
}

func tagValue(line string) string {
	if idx := strings.Index(line, ":"); idx >= 0 {
		return strings.TrimSpace(line[idx+1:])
	}
	return ""
}

func attributeValue(attrs, name string) string {
	for _, part := range splitAttributes(attrs) {
		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		if strings.TrimSpace(key) == name {
			return strings.Trim(strings.TrimSpace(value), `"`)
		}
	}
	return ""
}

// splitAttributes splits an attribute list on commas outside quoted values.
func splitAttributes(attrs string) []string {
	var parts []string
	var current strings.Builder
	inQuotes := false
	for _, r := range attrs {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			current.WriteRune(r)
		case r == ',' && !inQuotes:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

func parseByteRange(value string) (length, offset int64, err error) {
	offset = -1
	lengthPart, offsetPart, found := strings.Cut(value, "@")
	length, err = strconv.ParseInt(strings.TrimSpace(lengthPart), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse byte range length: %w", err)
	}
	if found {
		offset, err = strconv.ParseInt(strings.TrimSpace(offsetPart), 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("parse byte range offset: %w", err)
		}
	}
	return length, offset, nil
}

func formatDuration(duration float64) string {
	formatted := strconv.FormatFloat(duration, 'f', 6, 64)
	formatted = strings.TrimRight(formatted, "0")
	formatted = strings.TrimRight(formatted, ".")
	if formatted == "" || formatted == "-" {
		return "0"
	}
	return formatted
}
