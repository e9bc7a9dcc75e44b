package manifest

import (
	"net/url"
	"strings"
	"testing"

	"github.com/grafov/m3u8"
)

func proxyLines(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, DefaultProxyBasePath) {
			lines = append(lines, line)
			continue
		}
		if i := strings.Index(line, `URI="`); i >= 0 {
			rest := line[i+len(`URI="`):]
			if j := strings.Index(rest, `"`); j >= 0 {
				lines = append(lines, rest[:j])
			}
		}
	}
	return lines
}

func TestSerialize_SegmentCarriesTaskQuery(t *testing.T) {
	m := Parse(simpleMediaPlaylist, "https://cdn.example/path/index.m3u8")
	out := Serialize(m, ProxyOptions{Query: url.Values{"taskId": {"t1"}}})

	want := "/api/proxy/chunk.ts?type=ts&url=https%3A%2F%2Fcdn.example%2Fpath%2Fseg0.ts&taskId=t1"
	if !strings.Contains(out, want+"\n") {
		t.Errorf("expected segment line %q in output:\n%s", want, out)
	}
	if !strings.HasPrefix(out, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n#EXT-X-MEDIA-SEQUENCE:5\n") {
		t.Errorf("unexpected header:\n%s", out)
	}
	if !strings.Contains(out, "#EXTINF:9.009,\n") {
		t.Errorf("expected duration with 3 decimals:\n%s", out)
	}
	if !strings.HasSuffix(out, "#EXT-X-ENDLIST\n") {
		t.Errorf("expected ENDLIST last:\n%s", out)
	}
}

func TestSerialize_RoundTripURLIdentity(t *testing.T) {
	media := `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-MAP:URI="init.mp4"
#EXT-X-KEY:METHOD=AES-128,URI="key.bin?id=1&v=2"
#EXTINF:6,
seg%201.m4s?token=a+b
#EXTINF:6,
//mirror.example/seg2.m4s
#EXTINF:6,
https://other.example/x/seg3.m4s
`
	tests := []struct {
		name    string
		content string
	}{
		{"media", media},
		{"master", masterPlaylist},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Parse(tt.content, "https://cdn.example/show/master.m3u8")
			uris := m.URIs()
			if len(uris) == 0 {
				t.Fatal("expected reachable uris")
			}
			for _, u := range uris {
				parsed, err := url.Parse(u)
				if err != nil || !parsed.IsAbs() {
					t.Errorf("uri %q is not absolute", u)
				}
			}

			out := Serialize(m, ProxyOptions{Query: url.Values{"taskId": {"t9"}, "referer": {"https://site.example/watch?v=1"}}})
			proxied := proxyLines(out)
			if len(proxied) != len(uris) {
				t.Fatalf("expected %d proxy urls, got %d:\n%s", len(uris), len(proxied), out)
			}
			for i, p := range proxied {
				origin, ok := ExtractOrigin(p)
				if !ok {
					t.Fatalf("proxy url %q carries no origin", p)
				}
				if origin != uris[i] {
					t.Errorf("round trip mismatch: got %q, want %q", origin, uris[i])
				}
				q, _ := url.Parse(p)
				if q.Query().Get("taskId") != "t9" || q.Query().Get("referer") != "https://site.example/watch?v=1" {
					t.Errorf("extra query not propagated on %q", p)
				}
			}
		})
	}
}

func TestSerialize_StickyKeyMinimality(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("#EXTM3U\n#EXT-X-TARGETDURATION:4\n")
	sb.WriteString("#EXT-X-KEY:METHOD=AES-128,URI=\"k1\",IV=0x0102\n")
	for i := 0; i < 5; i++ {
		sb.WriteString("#EXTINF:4,\ns.ts\n")
	}
	// Same key re-declared: no new line expected.
	sb.WriteString("#EXT-X-KEY:METHOD=AES-128,URI=\"k1\",IV=0x0102\n#EXTINF:4,\ns.ts\n")
	// Same uri, different IV: new line expected.
	sb.WriteString("#EXT-X-KEY:METHOD=AES-128,URI=\"k1\",IV=0x0103\n#EXTINF:4,\ns.ts\n")
	// Same uri, IV dropped: new line expected.
	sb.WriteString("#EXT-X-KEY:METHOD=AES-128,URI=\"k1\"\n#EXTINF:4,\ns.ts\n#EXTINF:4,\ns.ts\n")

	out := Serialize(Parse(sb.String(), "https://h/p/i.m3u8"), ProxyOptions{})

	if got := strings.Count(out, "#EXT-X-KEY:"); got != 3 {
		t.Errorf("expected 3 key lines, got %d:\n%s", got, out)
	}
	if !strings.Contains(out, "IV=0x00000000000000000000000000000102") {
		t.Errorf("expected normalized IV in output:\n%s", out)
	}
	if !strings.Contains(out, `URI="/api/proxy/key.key?type=key&url=https%3A%2F%2Fh%2Fp%2Fk1"`) {
		t.Errorf("expected proxied key uri:\n%s", out)
	}
}

func TestSerialize_MapEmittedOnChange(t *testing.T) {
	content := `#EXTM3U
#EXT-X-MAP:URI="init1.mp4"
#EXTINF:2,
a.m4s
#EXTINF:2,
b.m4s
#EXT-X-MAP:URI="init2.mp4",BYTERANGE="100@0"
#EXTINF:2,
c.m4s
`
	out := Serialize(Parse(content, "https://h/p/i.m3u8"), ProxyOptions{})
	if got := strings.Count(out, "#EXT-X-MAP:"); got != 2 {
		t.Errorf("expected 2 map lines, got %d:\n%s", got, out)
	}
	if !strings.Contains(out, `#EXT-X-MAP:URI="/api/proxy/init.mp4?type=map&url=https%3A%2F%2Fh%2Fp%2Finit2.mp4",BYTERANGE="100@0"`) {
		t.Errorf("unexpected map line:\n%s", out)
	}
}

func TestSerialize_KeyClearedByNone(t *testing.T) {
	content := "#EXTM3U\n#EXT-X-KEY:METHOD=AES-128,URI=\"k\"\n#EXTINF:2,\na.ts\n#EXT-X-KEY:METHOD=NONE\n#EXTINF:2,\nb.ts\n"
	out := Serialize(Parse(content, "https://h/i.m3u8"), ProxyOptions{})
	if !strings.Contains(out, "#EXT-X-KEY:METHOD=NONE\n") {
		t.Errorf("expected explicit METHOD=NONE:\n%s", out)
	}
}

func TestSerialize_PreservesSegmentOrder(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("#EXTM3U\n")
	names := []string{"z.ts", "a.ts", "m.ts", "b.ts"}
	for _, n := range names {
		sb.WriteString("#EXTINF:1,\n" + n + "\n")
	}
	m := Parse(sb.String(), "https://h/i.m3u8")
	proxied := proxyLines(Serialize(m, ProxyOptions{}))

	if len(proxied) != len(names) {
		t.Fatalf("expected %d segments, got %d", len(names), len(proxied))
	}
	for i, p := range proxied {
		origin, _ := ExtractOrigin(p)
		if origin != "https://h/"+names[i] {
			t.Errorf("position %d: expected %s, got %s", i, names[i], origin)
		}
	}
}

func TestSerialize_MasterAttributes(t *testing.T) {
	m := Parse(masterPlaylist, "https://cdn.example/show/master.m3u8")
	out := Serialize(m, ProxyOptions{BasePath: "/p/"})

	wantInf := `#EXT-X-STREAM-INF:BANDWIDTH=1280000,AVERAGE-BANDWIDTH=1000000,CODECS="avc1.4d401f,mp4a.40.2",RESOLUTION=1280x720,FRAME-RATE=29.970,AUDIO="aud"`
	if !strings.Contains(out, wantInf+"\n/p/index.m3u8?type=m3u8&url=https%3A%2F%2Fcdn.example%2Fshow%2F720p%2Findex.m3u8\n") {
		t.Errorf("unexpected variant rendering:\n%s", out)
	}
	if !strings.Contains(out, "#EXT-X-STREAM-INF:BANDWIDTH=0,RESOLUTION=640x360\n") {
		t.Errorf("expected zero bandwidth variant:\n%s", out)
	}
	if !strings.Contains(out, "CLOSED-CAPTIONS=NONE") {
		t.Errorf("expected unquoted CLOSED-CAPTIONS=NONE:\n%s", out)
	}
	if strings.Count(out, "#EXT-X-MEDIA:") != 2 {
		t.Errorf("expected two media rows:\n%s", out)
	}
	if strings.Contains(out, "#EXTINF") {
		t.Errorf("master output must not contain segments:\n%s", out)
	}
}

func TestSerialize_DecodesAsValidHLS(t *testing.T) {
	t.Run("media", func(t *testing.T) {
		content := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:7
#EXT-X-KEY:METHOD=AES-128,URI="k.bin"
#EXTINF:9.009,
seg0.ts
#EXTINF:9.009,
seg1.ts
#EXT-X-ENDLIST
`
		out := Serialize(Parse(content, "https://cdn.example/a/index.m3u8"), ProxyOptions{})
		pl, listType, err := m3u8.DecodeFrom(strings.NewReader(out), true)
		if err != nil {
			t.Fatalf("serialized media playlist failed to decode: %v\n%s", err, out)
		}
		if listType != m3u8.MEDIA {
			t.Fatalf("expected media playlist, got %v", listType)
		}
		media := pl.(*m3u8.MediaPlaylist)
		if media.SeqNo != 7 {
			t.Errorf("expected sequence 7, got %d", media.SeqNo)
		}
		if media.Count() != 2 {
			t.Errorf("expected 2 segments, got %d", media.Count())
		}
	})

	t.Run("master", func(t *testing.T) {
		out := Serialize(Parse(masterPlaylist, "https://cdn.example/show/master.m3u8"), ProxyOptions{})
		pl, listType, err := m3u8.DecodeFrom(strings.NewReader(out), true)
		if err != nil {
			t.Fatalf("serialized master playlist failed to decode: %v\n%s", err, out)
		}
		if listType != m3u8.MASTER {
			t.Fatalf("expected master playlist, got %v", listType)
		}
		if got := len(pl.(*m3u8.MasterPlaylist).Variants); got != 3 {
			t.Errorf("expected 3 variants, got %d", got)
		}
	})
}

func TestKeyEqual(t *testing.T) {
	iv1 := []byte{1, 2, 3}
	tests := []struct {
		name string
		a, b *Key
		want bool
	}{
		{"both nil", nil, nil, true},
		{"one nil", &Key{Method: "AES-128"}, nil, false},
		{"same fields", &Key{Method: "AES-128", URI: "u", IV: iv1}, &Key{Method: "AES-128", URI: "u", IV: []byte{1, 2, 3}}, true},
		{"iv bytes differ", &Key{Method: "AES-128", IV: iv1}, &Key{Method: "AES-128", IV: []byte{1, 2, 4}}, false},
		{"iv present vs absent", &Key{Method: "AES-128", IV: []byte{}}, &Key{Method: "AES-128"}, false},
		{"format differs", &Key{Method: "SAMPLE-AES", KeyFormat: "a"}, &Key{Method: "SAMPLE-AES", KeyFormat: "b"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Equal(tt.b); got != tt.want {
				t.Errorf("Equal() = %v, want %v", got, tt.want)
			}
		})
	}
}
