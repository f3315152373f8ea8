package hls

import (
	"bytes"
	"math"
	"strings"
	"testing"
)

const samplePlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-INDEPENDENT-SEGMENTS
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-PLAYLIST-TYPE:VOD
#EXTINF:6.000000,
segment-0.ts
#EXTINF:4.000000,
segment-1.ts
#EXT-X-ENDLIST
`

func TestParseBasicPlaylist(t *testing.T) {
	manifest, err := Parse(strings.NewReader(samplePlaylist))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if manifest.Version != 3 {
		t.Errorf("version: got %d want 3", manifest.Version)
	}
	if manifest.TargetDuration != 6 {
		t.Errorf("target duration: got %f want 6", manifest.TargetDuration)
	}
	if manifest.PlaylistType != "VOD" {
		t.Errorf("playlist type: got %q want VOD", manifest.PlaylistType)
	}
	if !manifest.IndependentSegments {
		t.Error("expected independent segments flag")
	}
	if !manifest.EndList {
		t.Error("expected endlist flag")
	}
	if len(manifest.Segments) != 2 {
		t.Fatalf("segments: got %d want 2", len(manifest.Segments))
	}
	if manifest.Segments[0].URI != "segment-0.ts" || manifest.Segments[1].URI != "segment-1.ts" {
		t.Errorf("unexpected segment URIs: %+v", manifest.Segments)
	}
	if math.Abs(manifest.TotalDuration()-10.0) > 1e-3 {
		t.Errorf("total duration: got %f want 10", manifest.TotalDuration())
	}
}

func TestParseByteRangeAndMarkers(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-VERSION:4
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:2
#EXT-X-DISCONTINUITY-SEQUENCE:1
#EXT-X-KEY:METHOD=AES-128,URI="https://keys.example.com/k1",IV=0x1234
#EXT-X-BYTERANGE:75232@0
#EXTINF:5.5,intro
segment-0.ts
#EXT-X-DISCONTINUITY
#EXT-X-BYTERANGE:82112
#EXTINF:6.0,
segment-1.ts
#EXT-X-ENDLIST
`
	manifest, err := Parse(strings.NewReader(playlist))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if manifest.MediaSequence != 2 || manifest.DiscontinuitySequence != 1 {
		t.Errorf("sequences: got %d/%d want 2/1", manifest.MediaSequence, manifest.DiscontinuitySequence)
	}

	first := manifest.Segments[0]
	if first.KeyURI != "https://keys.example.com/k1" {
		t.Errorf("key uri: got %q", first.KeyURI)
	}
	if first.ByteRangeLength == nil || *first.ByteRangeLength != 75232 {
		t.Errorf("byte range length: got %+v", first.ByteRangeLength)
	}
	if first.ByteRangeOffset == nil || *first.ByteRangeOffset != 0 {
		t.Errorf("byte range offset: got %+v", first.ByteRangeOffset)
	}
	if first.Title != "intro" {
		t.Errorf("title: got %q", first.Title)
	}

	second := manifest.Segments[1]
	if !second.Discontinuity {
		t.Error("expected discontinuity on second segment")
	}
	if second.ByteRangeLength == nil || *second.ByteRangeLength != 82112 {
		t.Errorf("second byte range: got %+v", second.ByteRangeLength)
	}
	if second.ByteRangeOffset != nil {
		t.Errorf("second byte range offset should be absent, got %d", *second.ByteRangeOffset)
	}
}

func TestParseRejectsNonPlaylist(t *testing.T) {
	if _, err := Parse(strings.NewReader("hello world\n")); err == nil {
		t.Fatal("expected error for non-playlist input")
	}
	if _, err := Parse(strings.NewReader("")); err == nil {
		t.Fatal("expected error for empty input")
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	manifest, err := Parse(strings.NewReader(samplePlaylist))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	var buf bytes.Buffer
	if err := Encode(&buf, manifest); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	reparsed, err := Parse(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}

	if len(reparsed.Segments) != len(manifest.Segments) {
		t.Fatalf("segment count drifted: got %d want %d", len(reparsed.Segments), len(manifest.Segments))
	}
	for i := range manifest.Segments {
		if reparsed.Segments[i].URI != manifest.Segments[i].URI {
			t.Errorf("segment %d uri drifted: got %q want %q", i, reparsed.Segments[i].URI, manifest.Segments[i].URI)
		}
		if math.Abs(reparsed.Segments[i].Duration-manifest.Segments[i].Duration) > 1e-3 {
			t.Errorf("segment %d duration drifted: got %f want %f", i, reparsed.Segments[i].Duration, manifest.Segments[i].Duration)
		}
	}
	if math.Abs(reparsed.TotalDuration()-manifest.TotalDuration()) > 1e-3 {
		t.Errorf("total duration drifted: got %f want %f", reparsed.TotalDuration(), manifest.TotalDuration())
	}
	if !reparsed.EndList {
		t.Error("endlist lost in round trip")
	}
	if reparsed.PlaylistType != "VOD" {
		t.Errorf("playlist type lost in round trip: %q", reparsed.PlaylistType)
	}
}

func TestEncodeCeilsTargetDuration(t *testing.T) {
	manifest := Manifest{
		TargetDuration: 5.2,
		PlaylistType:   "VOD",
		EndList:        true,
		Segments: []Segment{
			{URI: "segment-0.ts", Duration: 5.2},
		},
	}

	var buf bytes.Buffer
	if err := Encode(&buf, manifest); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(buf.String(), "#EXT-X-TARGETDURATION:6\n") {
		t.Fatalf("expected ceiled target duration, got:\n%s", buf.String())
	}
}
