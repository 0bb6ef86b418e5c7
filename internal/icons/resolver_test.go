package icons

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	uploads int
	err     error
}

func (s *fakeStore) Upload(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads++
	if s.err != nil {
		return "", s.err
	}
	if _, err := png.Decode(bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("not a png: %w", err)
	}
	return fmt.Sprintf("https://i.example.com/%d.png", s.uploads), nil
}

type countingObserver struct {
	outcomes []string
}

func (o *countingObserver) IconResolved(outcome string) {
	o.outcomes = append(o.outcomes, outcome)
}

func newLog() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

func testPNG(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for x := 0; x < 16; x++ {
		for y := 0; y < 16; y++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// newSite 起一个站点：首页声明 favicon link，iconPath 返回 icon 内容
func newSite(t *testing.T, page string, icons map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			if page == "" {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(page))
			return
		}
		if data, ok := icons[r.URL.Path]; ok {
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(data)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveIdenticalIconsUploadOnce(t *testing.T) {
	icon := testPNG(t, color.RGBA{R: 255, A: 255})
	page := `<html><head><link rel="shortcut icon" href="/static/favicon.png"></head></html>`
	siteA := newSite(t, page, map[string][]byte{"/static/favicon.png": icon})
	siteB := newSite(t, "", map[string][]byte{"/favicon.ico": icon})

	store := &fakeStore{}
	cache := NewCache(nil)
	r := NewResolver(cache, store, "NewsBotTest/1.0", newLog())

	first := r.Resolve(context.Background(), siteA.URL)
	second := r.Resolve(context.Background(), siteB.URL)

	assert.Equal(t, "https://i.example.com/1.png", first)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, store.uploads)
	assert.Equal(t, 1, cache.Len())
}

func TestResolveIconNotFoundKeepsCacheUntouched(t *testing.T) {
	site := newSite(t, "<html></html>", nil)
	store := &fakeStore{}
	cache := NewCache(map[string]string{"deadbeef": "https://i.example.com/old.png"})
	obs := &countingObserver{}
	r := NewResolver(cache, store, "", newLog()).WithObserver(obs)

	got := r.Resolve(context.Background(), site.URL)

	assert.Equal(t, site.URL+"/favicon.ico", got)
	_, err := url.ParseRequestURI(got)
	assert.NoError(t, err)
	assert.Equal(t, map[string]string{"deadbeef": "https://i.example.com/old.png"}, cache.Snapshot())
	assert.Zero(t, store.uploads)
	assert.Equal(t, []string{OutcomeFetchFailed}, obs.outcomes)
}

func TestResolveUnreachableOriginFallsBack(t *testing.T) {
	site := newSite(t, "", nil)
	origin := site.URL
	site.Close()

	r := NewResolver(NewCache(nil), &fakeStore{}, "", newLog())
	assert.Equal(t, origin+"/favicon.ico", r.Resolve(context.Background(), origin))
}

func TestResolvePrefersLastMatchingLink(t *testing.T) {
	newer := testPNG(t, color.RGBA{G: 255, A: 255})
	page := `<html><head>
<link rel="icon" href="/favicon-old.png">
<link rel="stylesheet" href="/favicon.css.png">
<link rel="icon" type="image/png" href="favicon-new.png">
</head></html>`
	site := newSite(t, page, map[string][]byte{"/favicon-new.png": newer})

	store := &fakeStore{}
	r := NewResolver(NewCache(nil), store, "", newLog())

	got := r.Resolve(context.Background(), site.URL)
	assert.Equal(t, "https://i.example.com/1.png", got)
	assert.Equal(t, 1, store.uploads)
}

func TestResolveSkipsTouchAndMaskIcons(t *testing.T) {
	icon := testPNG(t, color.RGBA{B: 255, A: 255})
	page := `<html><head>
<link rel="shortcut icon" href="/favicon.png">
<link rel="apple-touch-icon" href="/apple-favicon.png">
<link rel="mask-icon" href="/favicon-mask.svg">
</head></html>`
	site := newSite(t, page, map[string][]byte{"/favicon.png": icon})

	store := &fakeStore{}
	r := NewResolver(NewCache(nil), store, "", newLog())

	got := r.Resolve(context.Background(), site.URL)
	assert.Equal(t, "https://i.example.com/1.png", got)
	assert.Equal(t, 1, store.uploads)
}

func TestResolvePassthroughWithoutCaching(t *testing.T) {
	icon := testPNG(t, color.RGBA{B: 255, A: 255})
	tests := []struct {
		name    string
		content []byte
		store   BlobStore
		uploads int
	}{
		{name: "not an image", content: []byte("<svg></svg>"), store: &fakeStore{}},
		{name: "upload failed", content: icon, store: &fakeStore{err: errors.New("quota")}, uploads: 1},
		{name: "no blob store", content: icon, store: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			site := newSite(t, `<link rel="icon" href="/favicon.png">`, map[string][]byte{"/favicon.png": tt.content})
			cache := NewCache(nil)
			r := NewResolver(cache, tt.store, "", newLog())

			got := r.Resolve(context.Background(), site.URL)
			assert.Equal(t, site.URL+"/favicon.png", got)
			assert.Zero(t, cache.Len())
			if fs, ok := tt.store.(*fakeStore); ok {
				assert.Equal(t, tt.uploads, fs.uploads)
			}
		})
	}
}

func TestResolveInvalidOriginReturnsInput(t *testing.T) {
	r := NewResolver(NewCache(nil), &fakeStore{}, "", newLog())
	assert.Equal(t, "not a url", r.Resolve(context.Background(), "not a url"))
}

type recordingMirror struct {
	saved map[string]string
}

func (m *recordingMirror) SaveIcon(_ context.Context, hash, url string) error {
	m.saved[hash] = url
	return nil
}

func TestResolveMirrorsNewEntries(t *testing.T) {
	icon := testPNG(t, color.White)
	site := newSite(t, "", map[string][]byte{"/favicon.ico": icon})
	mirror := &recordingMirror{saved: map[string]string{}}
	cache := NewCache(nil)
	r := NewResolver(cache, &fakeStore{}, "", newLog()).WithMirror(mirror)

	r.Resolve(context.Background(), site.URL)
	assert.Equal(t, cache.Snapshot(), mirror.saved)
}

func icoWith(entry []byte, width byte, bitCount uint16) []byte {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 1, 0, 1, 0})
	e := make([]byte, icoEntryLen)
	e[0], e[1] = width, width
	binary.LittleEndian.PutUint16(e[4:6], 1)
	binary.LittleEndian.PutUint16(e[6:8], bitCount)
	binary.LittleEndian.PutUint32(e[8:12], uint32(len(entry)))
	binary.LittleEndian.PutUint32(e[12:16], icoHeaderLen+icoEntryLen)
	buf.Write(e)
	buf.Write(entry)
	return buf.Bytes()
}

func TestCanonicalize(t *testing.T) {
	pngIcon := testPNG(t, color.Black)

	// 2x2 24 位 DIB，高度按 ICO 约定翻倍（含 AND 掩码）
	dib := make([]byte, 40)
	binary.LittleEndian.PutUint32(dib[0:4], 40)
	binary.LittleEndian.PutUint32(dib[4:8], 2)
	binary.LittleEndian.PutUint32(dib[8:12], 4)
	binary.LittleEndian.PutUint16(dib[12:14], 1)
	binary.LittleEndian.PutUint16(dib[14:16], 24)
	dib = append(dib, make([]byte, 8*2)...) // XOR 像素，每行 6 字节补齐到 8
	dib = append(dib, make([]byte, 4*2)...) // AND 掩码

	tests := []struct {
		name   string
		raw    []byte
		width  int
		hasErr bool
	}{
		{name: "png", raw: pngIcon, width: 16},
		{name: "ico with png frame", raw: icoWith(pngIcon, 16, 32), width: 16},
		{name: "ico with dib frame", raw: icoWith(dib, 2, 24), width: 2},
		{name: "svg", raw: []byte(`<svg xmlns="http://www.w3.org/2000/svg"></svg>`), hasErr: true},
		{name: "truncated ico", raw: []byte{0, 0, 1, 0, 5, 0}, hasErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Canonicalize(tt.raw)
			if tt.hasErr {
				assert.ErrorIs(t, err, ErrNotImage)
				return
			}
			require.NoError(t, err)
			img, err := png.Decode(bytes.NewReader(out))
			require.NoError(t, err)
			assert.Equal(t, tt.width, img.Bounds().Dx())
		})
	}
}

// icoDIB 拼一帧 ICO 位图：像素和 AND 掩码都按自下而上的行存放
func icoDIB(width, height int, bitCount uint16, pixels, mask []byte) []byte {
	dib := make([]byte, 40)
	binary.LittleEndian.PutUint32(dib[0:4], 40)
	binary.LittleEndian.PutUint32(dib[4:8], uint32(width))
	binary.LittleEndian.PutUint32(dib[8:12], uint32(height*2))
	binary.LittleEndian.PutUint16(dib[12:14], 1)
	binary.LittleEndian.PutUint16(dib[14:16], bitCount)
	dib = append(dib, pixels...)
	return append(dib, mask...)
}

func TestCanonicalizeKeepsIcoTransparency(t *testing.T) {
	transparent := []byte{0, 0, 0, 0}
	red := []byte{0, 0, 255, 255}
	white := []byte{255, 255, 255}
	blueNoAlpha := []byte{255, 0, 0, 0}
	cat := func(parts ...[]byte) []byte { return bytes.Join(parts, nil) }

	tests := []struct {
		name     string
		frame    []byte
		bitCount uint16
		want     map[image.Point]color.NRGBA
	}{
		{
			// 32 位帧自带 alpha，掩码全置位也不影响
			name:     "32bpp alpha channel",
			frame:    icoDIB(2, 2, 32, cat(red, transparent, transparent, transparent), cat([]byte{0xc0, 0, 0, 0}, []byte{0xc0, 0, 0, 0})),
			bitCount: 32,
			want: map[image.Point]color.NRGBA{
				image.Pt(0, 0): {A: 0},
				image.Pt(1, 0): {A: 0},
				image.Pt(0, 1): {R: 255, A: 255},
			},
		},
		{
			name:     "24bpp and mask",
			frame:    icoDIB(2, 2, 24, cat(white, white, []byte{0, 0}, white, white, []byte{0, 0}), cat([]byte{0, 0, 0, 0}, []byte{0x80, 0, 0, 0})),
			bitCount: 24,
			want: map[image.Point]color.NRGBA{
				image.Pt(0, 0): {A: 0},
				image.Pt(1, 0): {R: 255, G: 255, B: 255, A: 255},
				image.Pt(0, 1): {R: 255, G: 255, B: 255, A: 255},
			},
		},
		{
			// 旧式 32 位帧 alpha 全为 0，只能靠掩码
			name:     "32bpp without alpha falls back to mask",
			frame:    icoDIB(2, 2, 32, cat(blueNoAlpha, blueNoAlpha, blueNoAlpha, blueNoAlpha), cat([]byte{0, 0, 0, 0}, []byte{0x40, 0, 0, 0})),
			bitCount: 32,
			want: map[image.Point]color.NRGBA{
				image.Pt(0, 0): {B: 255, A: 255},
				image.Pt(1, 0): {A: 0},
				image.Pt(1, 1): {B: 255, A: 255},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Canonicalize(icoWith(tt.frame, 2, tt.bitCount))
			require.NoError(t, err)
			img, err := png.Decode(bytes.NewReader(out))
			require.NoError(t, err)

			for p, want := range tt.want {
				got := color.NRGBAModel.Convert(img.At(p.X, p.Y)).(color.NRGBA)
				if want.A == 0 {
					assert.Zero(t, got.A, "pixel %v", p)
					continue
				}
				assert.Equal(t, want, got, "pixel %v", p)
			}
		})
	}
}

func TestCacheSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "icons.json")

	missing, err := LoadCache(path)
	require.NoError(t, err)
	assert.Zero(t, missing.Len())

	c := NewCache(map[string]string{"abc": "https://i.example.com/a.png"})
	require.NoError(t, c.Save(path))

	loaded, err := LoadCache(path)
	require.NoError(t, err)
	assert.Equal(t, c.Snapshot(), loaded.Snapshot())
}
