package manifest

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// DefaultProxyBasePath is where the proxy handler is mounted.
const DefaultProxyBasePath = "/api/proxy"

// Kind selects the proxy endpoint a rewritten URI points to.
type Kind string

// Proxy endpoint kinds. Each kind has its own path so the proxy
// can process the response by type.
const (
	KindManifest Kind = "m3u8"
	KindSegment  Kind = "ts"
	KindKey      Kind = "key"
	KindMap      Kind = "map"
)

var kindTags = map[Kind]string{
	KindManifest: "index.m3u8",
	KindSegment:  "chunk.ts",
	KindKey:      "key.key",
	KindMap:      "init.mp4",
}

// ProxyOptions controls how origin URIs are rewritten.
type ProxyOptions struct {
	// BasePath is prefixed to every proxy URL. Defaults to DefaultProxyBasePath.
	BasePath string
	// Query is appended to every proxy URL after type and url, e.g. taskId and referer.
	Query url.Values
}

// ProxyURL builds the proxy URL for an origin URI of the given kind.
func (o ProxyOptions) ProxyURL(kind Kind, origin string) string {
	base := o.BasePath
	if base == "" {
		base = DefaultProxyBasePath
	}

	var sb strings.Builder
	sb.WriteString(strings.TrimRight(base, "/"))
	sb.WriteByte('/')
	sb.WriteString(kindTags[kind])
	sb.WriteString("?type=")
	sb.WriteString(string(kind))
	sb.WriteString("&url=")
	sb.WriteString(url.QueryEscape(origin))
	if extra := o.encodedQuery(); extra != "" {
		sb.WriteByte('&')
		sb.WriteString(extra)
	}
	return sb.String()
}

func (o ProxyOptions) encodedQuery() string {
	if len(o.Query) == 0 {
		return ""
	}
	q := url.Values{}
	for k, vs := range o.Query {
		if k == "type" || k == "url" {
			continue
		}
		for _, v := range vs {
			if v != "" {
				q.Add(k, v)
			}
		}
	}
	return q.Encode()
}

// ExtractOrigin returns the origin URL carried by a proxy URL.
func ExtractOrigin(proxyURL string) (string, bool) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return "", false
	}
	origin := u.Query().Get("url")
	return origin, origin != ""
}

// Serialize writes m as M3U8 text with every origin URI replaced by a proxy URL.
func Serialize(m *Manifest, opts ProxyOptions) string {
	var sb strings.Builder
	w := &writer{sb: &sb, opts: opts}

	w.line(tagHeader)
	if m.Version > 0 {
		w.line(tagVersion + strconv.Itoa(m.Version))
	}
	if m.IndependentSegments {
		w.line(tagIndependentSegments)
	}

	if m.IsMaster() || len(m.MediaGroups) > 0 && len(m.Segments) == 0 {
		w.master(m)
		return sb.String()
	}

	if m.TargetDuration > 0 {
		w.line(tagTargetDuration + strconv.Itoa(m.TargetDuration))
	}
	w.line(tagMediaSequence + strconv.Itoa(m.MediaSequence))
	if m.PlaylistType != "" {
		w.line(tagPlaylistType + m.PlaylistType)
	}
	w.segments(m.Segments)
	if m.EndList {
		w.line(tagEndList)
	}
	return sb.String()
}

type writer struct {
	sb   *strings.Builder
	opts ProxyOptions
}

func (w *writer) line(s string) {
	w.sb.WriteString(s)
	w.sb.WriteByte('\n')
}

func (w *writer) master(m *Manifest) {
	for _, g := range m.sortedGroups() {
		for _, r := range g.Renditions {
			w.line(tagMedia + w.renditionAttributes(r))
		}
	}
	for _, v := range m.Variants {
		w.line(tagStreamInf + variantAttributes(v))
		w.line(w.opts.ProxyURL(KindManifest, v.URI))
	}
}

func (w *writer) segments(segments []*Segment) {
	var lastKey *Key
	var lastMap *Map

	for _, s := range segments {
		if !s.Key.Equal(lastKey) {
			w.line(tagKey + w.keyAttributes(s.Key))
			lastKey = s.Key
		}
		if s.Map != nil && !s.Map.Equal(lastMap) {
			w.line(tagMap + w.mapAttributes(s.Map))
			lastMap = s.Map
		}
		if s.Discontinuity {
			w.line(tagDiscontinuity)
		}
		if s.ProgramDateTime != "" {
			w.line(tagProgramDateTime + s.ProgramDateTime)
		}
		w.line(fmt.Sprintf("%s%.3f,%s", tagInf, s.Duration, s.Title))
		if s.ByteRange != "" {
			w.line(tagByteRange + s.ByteRange)
		}
		w.line(w.opts.ProxyURL(KindSegment, s.URI))
	}
}

// keyAttributes renders METHOD=NONE for a nil key so that a key followed by
// unencrypted segments is cleared explicitly.
func (w *writer) keyAttributes(k *Key) string {
	if k == nil {
		return "METHOD=NONE"
	}
	attrs := []string{"METHOD=" + k.Method}
	if k.URI != "" {
		uri := k.URI
		if isHTTP(uri) {
			uri = w.opts.ProxyURL(KindKey, uri)
		}
		attrs = append(attrs, quoted("URI", uri))
	}
	if k.IV != nil {
		attrs = append(attrs, "IV=0x"+strings.ToUpper(hex.EncodeToString(k.IV)))
	}
	if k.KeyFormat != "" {
		attrs = append(attrs, quoted("KEYFORMAT", k.KeyFormat))
	}
	if k.KeyFormatVersions != "" {
		attrs = append(attrs, quoted("KEYFORMATVERSIONS", k.KeyFormatVersions))
	}
	return strings.Join(attrs, ",")
}

func (w *writer) mapAttributes(m *Map) string {
	attrs := []string{quoted("URI", w.opts.ProxyURL(KindMap, m.URI))}
	if m.ByteRange != "" {
		attrs = append(attrs, quoted("BYTERANGE", m.ByteRange))
	}
	return strings.Join(attrs, ",")
}

func (w *writer) renditionAttributes(r *Rendition) string {
	attrs := []string{
		"TYPE=" + string(r.Type),
		quoted("GROUP-ID", r.GroupID),
		quoted("NAME", r.Name),
	}
	if r.Language != "" {
		attrs = append(attrs, quoted("LANGUAGE", r.Language))
	}
	if r.AssocLanguage != "" {
		attrs = append(attrs, quoted("ASSOC-LANGUAGE", r.AssocLanguage))
	}
	if r.Default {
		attrs = append(attrs, "DEFAULT=YES")
	}
	if r.Autoselect {
		attrs = append(attrs, "AUTOSELECT=YES")
	}
	if r.Forced {
		attrs = append(attrs, "FORCED=YES")
	}
	if r.InstreamID != "" {
		attrs = append(attrs, quoted("INSTREAM-ID", r.InstreamID))
	}
	if r.Characteristics != "" {
		attrs = append(attrs, quoted("CHARACTERISTICS", r.Characteristics))
	}
	if r.Channels != "" {
		attrs = append(attrs, quoted("CHANNELS", r.Channels))
	}
	if r.URI != "" {
		attrs = append(attrs, quoted("URI", w.opts.ProxyURL(KindManifest, r.URI)))
	}
	return strings.Join(attrs, ",")
}

func variantAttributes(v *Variant) string {
	attrs := []string{"BANDWIDTH=" + strconv.Itoa(v.Bandwidth)}
	if v.AverageBandwidth > 0 {
		attrs = append(attrs, "AVERAGE-BANDWIDTH="+strconv.Itoa(v.AverageBandwidth))
	}
	if v.Codecs != "" {
		attrs = append(attrs, quoted("CODECS", v.Codecs))
	}
	if v.Resolution != nil {
		attrs = append(attrs, fmt.Sprintf("RESOLUTION=%dx%d", v.Resolution.Width, v.Resolution.Height))
	}
	if v.FrameRate > 0 {
		attrs = append(attrs, "FRAME-RATE="+strconv.FormatFloat(v.FrameRate, 'f', 3, 64))
	}
	if v.HDCPLevel != "" {
		attrs = append(attrs, "HDCP-LEVEL="+v.HDCPLevel)
	}
	if v.Audio != "" {
		attrs = append(attrs, quoted("AUDIO", v.Audio))
	}
	if v.Video != "" {
		attrs = append(attrs, quoted("VIDEO", v.Video))
	}
	if v.Subtitles != "" {
		attrs = append(attrs, quoted("SUBTITLES", v.Subtitles))
	}
	switch v.ClosedCaptions {
	case "":
	case "NONE":
		attrs = append(attrs, "CLOSED-CAPTIONS=NONE")
	default:
		attrs = append(attrs, quoted("CLOSED-CAPTIONS", v.ClosedCaptions))
	}
	if v.Name != "" {
		attrs = append(attrs, quoted("NAME", v.Name))
	}
	return strings.Join(attrs, ",")
}

func quoted(key, value string) string {
	return key + `="` + value + `"`
}

func isHTTP(uri string) bool {
	lower := strings.ToLower(uri)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// sortedGroups returns media groups by type, then group id.
func (m *Manifest) sortedGroups() []*MediaGroup {
	var groups []*MediaGroup
	for _, t := range mediaTypeOrder {
		byID := m.MediaGroups[t]
		ids := make([]string, 0, len(byID))
		for id := range byID {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			groups = append(groups, byID[id])
		}
	}
	return groups
}
