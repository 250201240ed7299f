// Package extract turns uploaded files into plain text.
//
// Each supported content type has a Func. The result is a single text
// blob per document; pages and sections are separated by blank lines so
// that paragraph-aware chunking keeps working.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// Content types handled by the default extractor.
const (
	TypePlain    = "text/plain"
	TypeMarkdown = "text/markdown"
	TypeHTML     = "text/html"
	TypePDF      = "application/pdf"
)

var (
	// ErrUnsupportedType is returned for content types without an extractor.
	ErrUnsupportedType = errors.New("unsupported content type")
	// ErrUnreadable is returned when a file cannot be decoded.
	ErrUnreadable = errors.New("file could not be read")
)

// Func extracts plain text from raw file bytes.
type Func func(ctx context.Context, data []byte) (string, error)

// Extractor dispatches extraction by content type.
type Extractor struct {
	funcs map[string]Func
}

// New returns an Extractor supporting plain text, markdown, HTML and PDF.
func New() *Extractor {
	e := &Extractor{funcs: make(map[string]Func)}
	e.Register(TypePlain, extractPlain)
	e.Register(TypeMarkdown, extractMarkdown)
	e.Register(TypeHTML, extractHTML)
	e.Register(TypePDF, extractPDF)
	return e
}

// Register installs fn for contentType, replacing any previous one.
func (e *Extractor) Register(contentType string, fn Func) {
	e.funcs[baseType(contentType)] = fn
}

// Supports reports whether contentType has an extractor.
func (e *Extractor) Supports(contentType string) bool {
	_, ok := e.funcs[baseType(contentType)]
	return ok
}

// Extract returns the plain text of data. Errors wrap ErrUnsupportedType
// or ErrUnreadable.
func (e *Extractor) Extract(ctx context.Context, contentType string, data []byte) (string, error) {
	fn, ok := e.funcs[baseType(contentType)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text, err := fn(ctx, data)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// DetectContentType picks a content type from the file extension, falling
// back to sniffing the bytes.
func DetectContentType(filename string, data []byte) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".md", ".markdown":
		return TypeMarkdown
	case ".txt", ".text":
		return TypePlain
	case ".html", ".htm":
		return TypeHTML
	case ".pdf":
		return TypePDF
	}
	return baseType(mimetype.Detect(data).String())
}

func baseType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

func extractPlain(_ context.Context, data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: text is not valid UTF-8", ErrUnreadable)
	}
	return strings.ReplaceAll(string(data), "\r\n", "\n"), nil
}

var (
	mdImageRe  = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	mdLinkRe   = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	mdHeadRe   = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdEmphRe   = regexp.MustCompile(`(\*\*|__)(.+?)(\*\*|__)`)
	mdFenceRe  = regexp.MustCompile("(?m)^```.*$")
	mdInlineRe = regexp.MustCompile("`([^`]*)`")
)

// extractMarkdown keeps the prose and drops markup: images are removed,
// links keep their text, heading markers and code fences are stripped.
func extractMarkdown(ctx context.Context, data []byte) (string, error) {
	text, err := extractPlain(ctx, data)
	if err != nil {
		return "", err
	}
	text = mdImageRe.ReplaceAllString(text, "")
	text = mdLinkRe.ReplaceAllString(text, "$1")
	text = mdFenceRe.ReplaceAllString(text, "")
	text = mdInlineRe.ReplaceAllString(text, "$1")
	text = mdEmphRe.ReplaceAllString(text, "$2")
	// 标题单独成段
	text = mdHeadRe.ReplaceAllStringFunc(text, func(string) string { return "\n" })
	return text, nil
}

var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "section": true,
	"article": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true,
	"h6": true, "pre": true, "blockquote": true, "table": true, "ul": true, "ol": true,
}

func extractHTML(_ context.Context, data []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript", "head", "template":
				return
			}
		case html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockTags[n.Data] {
			b.WriteString("\n\n")
		}
	}
	walk(doc)

	lines := strings.Split(b.String(), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.Join(lines, "\n"), nil
}

func extractPDF(ctx context.Context, data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// 跳过无法解析的页面
			continue
		}
		if text = strings.TrimSpace(text); text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
	}
	return b.String(), nil
}
