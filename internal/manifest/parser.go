package manifest

import (
	"encoding/hex"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Tag prefixes recognized by the parser.
const (
	tagHeader              = "#EXTM3U"
	tagStreamInf           = "#EXT-X-STREAM-INF:"
	tagMedia               = "#EXT-X-MEDIA:"
	tagVersion             = "#EXT-X-VERSION:"
	tagTargetDuration      = "#EXT-X-TARGETDURATION:"
	tagMediaSequence       = "#EXT-X-MEDIA-SEQUENCE:"
	tagPlaylistType        = "#EXT-X-PLAYLIST-TYPE:"
	tagIndependentSegments = "#EXT-X-INDEPENDENT-SEGMENTS"
	tagEndList             = "#EXT-X-ENDLIST"
	tagInf                 = "#EXTINF:"
	tagKey                 = "#EXT-X-KEY:"
	tagMap                 = "#EXT-X-MAP:"
	tagByteRange           = "#EXT-X-BYTERANGE:"
	tagDiscontinuity       = "#EXT-X-DISCONTINUITY"
	tagProgramDateTime     = "#EXT-X-PROGRAM-DATE-TIME:"
)

var extinfPattern = regexp.MustCompile(`^\s*(-?\d+(?:\.\d+)?)\s*(?:,(.*))?$`)

// IsMaster reports whether the raw playlist text is a master playlist.
// Any stream-info tag makes it one, wherever it appears.
func IsMaster(content string) bool {
	return strings.Contains(content, tagStreamInf)
}

// Parse converts raw M3U8 text into a Manifest, resolving every URI against baseURL.
// It never fails: malformed lines are skipped and missing numbers default to zero.
func Parse(content, baseURL string) *Manifest {
	lines := splitLines(content)
	if IsMaster(content) {
		return parseMaster(lines, baseURL)
	}
	return parseMedia(lines, baseURL)
}

func splitLines(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return lines
}

func isURILine(line string) bool {
	return line != "" && !strings.HasPrefix(line, "#")
}

func parseMaster(lines []string, baseURL string) *Manifest {
	m := New()
	var pending *Variant

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, tagStreamInf):
			pending = parseVariant(ParseAttributes(strings.TrimPrefix(line, tagStreamInf)))
		case strings.HasPrefix(line, tagMedia):
			if r := parseRendition(ParseAttributes(strings.TrimPrefix(line, tagMedia)), baseURL); r != nil {
				m.addRendition(r)
			}
		case strings.HasPrefix(line, tagVersion):
			m.Version = atoi(strings.TrimPrefix(line, tagVersion))
		case line == tagIndependentSegments:
			m.IndependentSegments = true
		case isURILine(line):
			if pending == nil {
				continue
			}
			pending.URI = ResolveURL(baseURL, line)
			m.Variants = append(m.Variants, pending)
			pending = nil
		}
	}
	return m
}

func parseVariant(attrs map[string]string) *Variant {
	v := &Variant{
		Bandwidth:        atoi(attrs["BANDWIDTH"]),
		AverageBandwidth: atoi(attrs["AVERAGE-BANDWIDTH"]),
		Codecs:           attrs["CODECS"],
		HDCPLevel:        attrs["HDCP-LEVEL"],
		Audio:            attrs["AUDIO"],
		Video:            attrs["VIDEO"],
		Subtitles:        attrs["SUBTITLES"],
		ClosedCaptions:   attrs["CLOSED-CAPTIONS"],
		Name:             attrs["NAME"],
	}
	if res, ok := attrs["RESOLUTION"]; ok {
		v.Resolution = parseResolution(res)
	}
	if fr, ok := attrs["FRAME-RATE"]; ok {
		v.FrameRate, _ = strconv.ParseFloat(fr, 64)
	}
	return v
}

func parseResolution(s string) *Resolution {
	w, h, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return nil
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return nil
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return nil
	}
	return &Resolution{Width: width, Height: height}
}

// parseRendition returns nil for rows without TYPE, GROUP-ID or NAME.
func parseRendition(attrs map[string]string, baseURL string) *Rendition {
	t, groupID, name := attrs["TYPE"], attrs["GROUP-ID"], attrs["NAME"]
	if t == "" || groupID == "" || name == "" {
		return nil
	}
	r := &Rendition{
		Type:            MediaType(strings.ToUpper(t)),
		GroupID:         groupID,
		Name:            name,
		Language:        attrs["LANGUAGE"],
		AssocLanguage:   attrs["ASSOC-LANGUAGE"],
		Default:         attrs["DEFAULT"] == "YES",
		Autoselect:      attrs["AUTOSELECT"] == "YES",
		Forced:          attrs["FORCED"] == "YES",
		InstreamID:      attrs["INSTREAM-ID"],
		Characteristics: attrs["CHARACTERISTICS"],
		Channels:        attrs["CHANNELS"],
	}
	if uri := attrs["URI"]; uri != "" {
		r.URI = ResolveURL(baseURL, uri)
	}
	return r
}

// segmentState accumulates tags until the URI line that completes a segment.
type segmentState struct {
	current         Segment
	expectURI       bool
	key             *Key
	mapping         *Map
	discontinuity   bool
	programDateTime string
	byteRange       string
}

// complete stamps the sticky state onto the accumulated segment and resets
// the per-segment fields. Key and map stay set for following segments.
func (s *segmentState) complete(uri string, sequence int) *Segment {
	seg := s.current
	seg.URI = uri
	seg.Sequence = sequence
	seg.Discontinuity = s.discontinuity
	seg.ProgramDateTime = s.programDateTime
	seg.ByteRange = s.byteRange
	if s.key != nil {
		seg.Key = s.key
	}
	if s.mapping != nil {
		seg.Map = s.mapping
	}

	s.current = Segment{}
	s.expectURI = false
	s.discontinuity = false
	s.programDateTime = ""
	s.byteRange = ""
	return &seg
}

func parseMedia(lines []string, baseURL string) *Manifest {
	m := New()
	var st segmentState

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, tagVersion):
			m.Version = atoi(strings.TrimPrefix(line, tagVersion))
		case strings.HasPrefix(line, tagTargetDuration):
			m.TargetDuration = atoi(strings.TrimPrefix(line, tagTargetDuration))
		case strings.HasPrefix(line, tagMediaSequence):
			m.MediaSequence = atoi(strings.TrimPrefix(line, tagMediaSequence))
		case strings.HasPrefix(line, tagPlaylistType):
			m.PlaylistType = strings.TrimSpace(strings.TrimPrefix(line, tagPlaylistType))
		case line == tagIndependentSegments:
			m.IndependentSegments = true
		case line == tagEndList:
			m.EndList = true
		case strings.HasPrefix(line, tagInf):
			st.current.Duration, st.current.Title = parseExtinf(strings.TrimPrefix(line, tagInf))
			st.expectURI = true
		case strings.HasPrefix(line, tagKey):
			st.key = parseKey(ParseAttributes(strings.TrimPrefix(line, tagKey)), baseURL)
		case strings.HasPrefix(line, tagMap):
			if mp := parseMap(ParseAttributes(strings.TrimPrefix(line, tagMap)), baseURL); mp != nil {
				st.mapping = mp
			}
		case strings.HasPrefix(line, tagByteRange):
			st.byteRange = strings.TrimSpace(strings.TrimPrefix(line, tagByteRange))
		case line == tagDiscontinuity:
			st.discontinuity = true
		case strings.HasPrefix(line, tagProgramDateTime):
			st.programDateTime = strings.TrimPrefix(line, tagProgramDateTime)
		case isURILine(line) && st.expectURI:
			seg := st.complete(ResolveURL(baseURL, line), m.MediaSequence+len(m.Segments))
			m.Segments = append(m.Segments, seg)
		}
	}
	return m
}

func parseExtinf(value string) (float64, string) {
	match := extinfPattern.FindStringSubmatch(value)
	if match == nil {
		return 0, ""
	}
	d, _ := strconv.ParseFloat(match[1], 64)
	return d, strings.TrimSpace(match[2])
}

// parseKey returns nil for METHOD=NONE, which ends encryption for the following segments.
func parseKey(attrs map[string]string, baseURL string) *Key {
	method := attrs["METHOD"]
	if method == "" || method == "NONE" {
		return nil
	}
	k := &Key{
		Method:            method,
		KeyFormat:         attrs["KEYFORMAT"],
		KeyFormatVersions: attrs["KEYFORMATVERSIONS"],
	}
	if uri := attrs["URI"]; uri != "" {
		k.URI = resolveKeyURI(baseURL, uri)
	}
	if iv := attrs["IV"]; iv != "" {
		k.IV = parseIV(iv)
	}
	return k
}

// resolveKeyURI leaves inline data: and skd: style URIs untouched.
func resolveKeyURI(baseURL, uri string) string {
	if u, err := url.Parse(uri); err == nil && u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
		return uri
	}
	return ResolveURL(baseURL, uri)
}

// parseIV decodes a 0x-prefixed hexadecimal IV into 16 raw bytes.
// Malformed values yield nil.
func parseIV(s string) []byte {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) > 32 {
		return nil
	}
	s = strings.Repeat("0", 32-len(s)) + s
	iv, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return iv
}

func parseMap(attrs map[string]string, baseURL string) *Map {
	uri := attrs["URI"]
	if uri == "" {
		return nil
	}
	return &Map{
		URI:       ResolveURL(baseURL, uri),
		ByteRange: attrs["BYTERANGE"],
	}
}

// ParseAttributes splits an HLS attribute list into its KEY=VALUE pairs.
// Quoted values keep embedded commas and are returned without their quotes.
func ParseAttributes(list string) map[string]string {
	attrs := make(map[string]string)
	var key, value strings.Builder
	inKey, inQuotes := true, false

	flush := func() {
		k := strings.TrimSpace(key.String())
		if k != "" {
			attrs[strings.ToUpper(k)] = strings.TrimSpace(value.String())
		}
		key.Reset()
		value.Reset()
		inKey = true
	}

	for _, r := range list {
		switch {
		case inKey && r == '=':
			inKey = false
		case inKey && r == ',':
			// A bare token with no value; drop it.
			key.Reset()
		case inKey:
			key.WriteRune(r)
		case r == '"':
			inQuotes = !inQuotes
		case r == ',' && !inQuotes:
			flush()
		default:
			value.WriteRune(r)
		}
	}
	if !inKey {
		flush()
	}
	return attrs
}

// ResolveURL turns ref into an absolute URL using base.
// Absolute http(s) URLs pass through, protocol-relative URLs take the base scheme,
// everything else is joined against the base per RFC 3986.
func ResolveURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return ref
	}

	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	if strings.HasPrefix(ref, "//") {
		scheme := b.Scheme
		if scheme == "" {
			scheme = "https"
		}
		return scheme + ":" + ref
	}

	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
