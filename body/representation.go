package body

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind names one way of showing a body.
type Kind int

const (
	KindRaw Kind = iota
	KindQuery
	KindUnchunked
	KindInflated
	KindImage
	KindJSON
	KindProtobuf
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "Raw"
	case KindQuery:
		return "Query"
	case KindUnchunked:
		return "Unchunked"
	case KindInflated:
		return "Inflated"
	case KindImage:
		return "Image"
	case KindJSON:
		return "JSON"
	case KindProtobuf:
		return "Protobuf"
	}
	return "Unknown"
}

// ParseKind accepts the names String returns, case-insensitively.
func ParseKind(s string) (Kind, bool) {
	for _, r := range representations {
		if strings.EqualFold(r.kind.String(), s) {
			return r.kind, true
		}
	}
	return 0, false
}

var (
	ErrNotApplicable = errors.New("representation does not apply to this message")
	ErrInvalidJSON   = errors.New("body is not valid JSON")
)

// QueryItem is one name=value pair of a query string, in order.
type QueryItem struct {
	Name  string
	Value string
}

type ImageInfo struct {
	Format string
	Width  int
	Height int
}

// Rendered is the output of one representation. Text is always set; Query
// and Image carry structured results for those kinds.
type Rendered struct {
	Kind  Kind
	Text  string
	Data  []byte
	Query []QueryItem
	Image *ImageInfo
}

type representation struct {
	kind      Kind
	valid     func(v *MessageView) bool
	transform func(v *MessageView) (*Rendered, error)
}

// representations is the fixed list in display order.
var representations = []representation{
	{KindRaw, func(*MessageView) bool { return true }, renderRaw},
	{KindQuery, hasQuery, renderQuery},
	{KindUnchunked, func(v *MessageView) bool { return v.TransferEncoding() == TransferChunked }, renderUnchunked},
	{KindInflated, isCompressed, renderInflated},
	{KindImage, (*MessageView).IsImage, renderImage},
	{KindJSON, (*MessageView).IsJSON, renderJSON},
	{KindProtobuf, (*MessageView).IsProtobuf, renderProtobuf},
}

// Available lists the kinds that apply to v, in display order.
func Available(v *MessageView) []Kind {
	var kinds []Kind
	for _, r := range representations {
		if r.valid(v) {
			kinds = append(kinds, r.kind)
		}
	}
	return kinds
}

// Render produces one representation of v.
func Render(kind Kind, v *MessageView) (*Rendered, error) {
	for _, r := range representations {
		if r.kind != kind {
			continue
		}
		if !r.valid(v) {
			return nil, fmt.Errorf("%s: %w", kind, ErrNotApplicable)
		}
		out, err := r.transform(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", kind, err)
		}
		out.Kind = kind
		return out, nil
	}
	return nil, fmt.Errorf("unknown representation %d", int(kind))
}

// ========================================
// Transforms
// ========================================

func renderRaw(v *MessageView) (*Rendered, error) {
	raw := v.Message().RawBody()
	return &Rendered{Text: string(raw), Data: raw}, nil
}

func requestQuery(v *MessageView) string {
	req := v.Request()
	if req == nil || req.URL() == nil {
		return ""
	}
	return req.URL().RawQuery
}

func hasQuery(v *MessageView) bool {
	return len(parseQuery(requestQuery(v))) > 0
}

// parseQuery keeps wire order and duplicates, which url.Values does not.
func parseQuery(raw string) []QueryItem {
	var items []QueryItem
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		if n, err := url.QueryUnescape(name); err == nil {
			name = n
		}
		if val, err := url.QueryUnescape(value); err == nil {
			value = val
		}
		items = append(items, QueryItem{Name: name, Value: value})
	}
	return items
}

func renderQuery(v *MessageView) (*Rendered, error) {
	items := parseQuery(requestQuery(v))
	var b strings.Builder
	for _, item := range items {
		fmt.Fprintf(&b, "%s = %s\n", item.Name, item.Value)
	}
	return &Rendered{Text: b.String(), Query: items}, nil
}

func renderUnchunked(v *MessageView) (*Rendered, error) {
	data, err := v.Unchunked()
	if err != nil {
		return nil, err
	}
	return &Rendered{Text: string(data), Data: data}, nil
}

func isCompressed(v *MessageView) bool {
	switch v.ContentEncoding() {
	case EncodingGzip, EncodingDeflate, EncodingBrotli, EncodingZstd:
		return true
	}
	return false
}

func renderInflated(v *MessageView) (*Rendered, error) {
	data, err := v.Inflated()
	if err != nil {
		return nil, err
	}
	return &Rendered{Text: string(data), Data: data}, nil
}

func renderImage(v *MessageView) (*Rendered, error) {
	data, err := v.Inflated()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty image body")
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	info := &ImageInfo{Format: format, Width: cfg.Width, Height: cfg.Height}
	return &Rendered{
		Text:  fmt.Sprintf("%s image, %dx%d, %d bytes", format, cfg.Width, cfg.Height, len(data)),
		Data:  data,
		Image: info,
	}, nil
}

func renderJSON(v *MessageView) (*Rendered, error) {
	data, err := v.Inflated()
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(data) {
		return nil, ErrInvalidJSON
	}
	pretty := gjson.GetBytes(data, "@pretty").Raw
	return &Rendered{Text: pretty, Data: data}, nil
}

func renderProtobuf(v *MessageView) (*Rendered, error) {
	data, err := v.Inflated()
	if err != nil {
		return nil, err
	}
	text, err := DecodeProtobuf(data, v.Message().MessageHeaders().Value("Content-Type"))
	if err != nil {
		return nil, err
	}
	return &Rendered{Text: text, Data: data}, nil
}
