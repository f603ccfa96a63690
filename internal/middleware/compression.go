package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/thommahoney/fast-rack/internal/config"
	"github.com/thommahoney/fast-rack/internal/rack"
)

// defaultAlgoOrder is the server-preferred algorithm order.
var defaultAlgoOrder = []string{"br", "zstd", "gzip"}

var defaultContentTypes = []string{
	"text/html",
	"text/css",
	"text/plain",
	"text/javascript",
	"application/javascript",
	"application/json",
	"application/xml",
	"text/xml",
	"image/svg+xml",
}

// Compression encodes buffered response bodies in the response phase with the
// best algorithm the client accepts. Bodies that are already encoded, too
// small, or of a binary type are left alone.
type Compression struct {
	level        int
	minSize      int
	contentTypes map[string]bool
	order        []string
	zstdEnc      *zstd.Encoder
	gzipPool     sync.Pool
}

// NewCompression creates the compression component.
func NewCompression(cfg config.CompressionConfig) (*Compression, error) {
	c := &Compression{
		level:        cfg.Level,
		minSize:      cfg.MinSize,
		contentTypes: make(map[string]bool),
	}
	if c.level <= 0 || c.level > 11 {
		c.level = 6
	}

	enabled := make(map[string]bool)
	for _, algo := range cfg.Algorithms {
		enabled[algo] = true
	}
	if len(enabled) == 0 {
		for _, algo := range defaultAlgoOrder {
			enabled[algo] = true
		}
	}
	for _, algo := range defaultAlgoOrder {
		if enabled[algo] {
			c.order = append(c.order, algo)
		}
	}

	types := cfg.ContentTypes
	if len(types) == 0 {
		types = defaultContentTypes
	}
	for _, ct := range types {
		c.contentTypes[ct] = true
	}

	// EncodeAll is safe for concurrent use, so one encoder serves every run.
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.level)))
	if err != nil {
		return nil, err
	}
	c.zstdEnc = enc

	gzipLevel := min(c.level, gzip.BestCompression)
	c.gzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzipLevel)
			return w
		},
	}
	return c, nil
}

// Middleware returns the per-run middleware.
func (c *Compression) Middleware() rack.Middleware {
	return &compressionRun{c: c}
}

type compressionRun struct {
	c      *Compression
	accept string
}

func (m *compressionRun) OnRequest(req *http.Request) rack.Outcome {
	m.accept = req.Header.Get("Accept-Encoding")
	return rack.Continue()
}

func (m *compressionRun) OnResponse(resp *rack.Response) rack.Outcome {
	if resp.Header.Get("Content-Encoding") != "" || len(resp.Body) < m.c.minSize {
		return rack.Continue()
	}
	if !m.c.compressible(resp.Header.Get("Content-Type")) {
		return rack.Continue()
	}

	algo := m.c.negotiate(m.accept)
	if algo == "" {
		return rack.Continue()
	}
	encoded, err := m.c.encode(algo, resp.Body)
	if err != nil || len(encoded) >= len(resp.Body) {
		return rack.Continue()
	}

	resp.Body = encoded
	resp.Header.Set("Content-Encoding", algo)
	resp.Header.Add("Vary", "Accept-Encoding")
	resp.Header.Del("Content-Length")
	return rack.Continue()
}

func (c *Compression) compressible(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return c.contentTypes[strings.ToLower(strings.TrimSpace(mediaType))]
}

// negotiate picks the enabled algorithm with the highest q-value in the
// Accept-Encoding header. Ties go to the server order.
func (c *Compression) negotiate(header string) string {
	if header == "" {
		return ""
	}
	accepted := make(map[string]float64)
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		q := 1.0
		if v, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				q = f
			}
		}
		accepted[name] = q
	}

	best, bestQ := "", 0.0
	for _, algo := range c.order {
		q, ok := accepted[algo]
		if !ok {
			q, ok = accepted["*"]
		}
		if ok && q > bestQ {
			best, bestQ = algo, q
		}
	}
	return best
}

func (c *Compression) encode(algo string, data []byte) ([]byte, error) {
	switch algo {
	case "zstd":
		return c.zstdEnc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case "br":
		var buf bytes.Buffer
		w := brotli.NewWriterLevel(&buf, c.level)
		return finish(&buf, w, data)
	default:
		var buf bytes.Buffer
		w := c.gzipPool.Get().(*gzip.Writer)
		defer c.gzipPool.Put(w)
		w.Reset(&buf)
		return finish(&buf, w, data)
	}
}

func finish(buf *bytes.Buffer, w io.WriteCloser, data []byte) ([]byte, error) {
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
