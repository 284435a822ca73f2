package scraper

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	pdflib "github.com/ledongthuc/pdf"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// ErrUnsupportedContent is returned for documents no parser understands.
var ErrUnsupportedContent = errors.New("unsupported content type")

// DefaultMinParagraphLength drops navigation crumbs and headings.
const DefaultMinParagraphLength = 30

// Document is the text content of a fetched policy.
type Document struct {
	// Paragraphs are the candidate policy paragraphs, in document order.
	Paragraphs []string
	// Text is the full visible text, used for the last-updated lookup.
	Text string
}

// Parser converts raw document bytes into a Document.
type Parser interface {
	Parse(data []byte) (*Document, error)
}

// ParserFor picks a parser from the response content type, falling back to
// the URL's extension.
func ParserFor(contentType, rawURL string, minLength int) (Parser, error) {
	if minLength <= 0 {
		minLength = DefaultMinParagraphLength
	}

	mediaType := ""
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			mediaType = mt
		}
	}

	switch mediaType {
	case "text/html", "application/xhtml+xml":
		return &HTMLParser{MinLength: minLength}, nil
	case "application/pdf":
		return &PDFParser{MinLength: minLength}, nil
	case "text/markdown", "text/x-markdown":
		return &MarkdownParser{MinLength: minLength}, nil
	case "", "text/plain", "application/octet-stream", "binary/octet-stream":
		// generic types: decide by extension below
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContent, mediaType)
	}

	ext := ""
	if u, err := url.Parse(rawURL); err == nil {
		ext = strings.ToLower(path.Ext(u.Path))
	}
	switch ext {
	case ".pdf":
		return &PDFParser{MinLength: minLength}, nil
	case ".md", ".markdown":
		return &MarkdownParser{MinLength: minLength}, nil
	default:
		return &HTMLParser{MinLength: minLength}, nil
	}
}

var whitespace = regexp.MustCompile(`\s+`)

// normalizeSpace collapses runs of whitespace and trims the result.
func normalizeSpace(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

func keepParagraph(p string, minLength int) bool {
	return len([]rune(p)) > minLength
}

// HTMLParser takes the text of every <p> element.
type HTMLParser struct {
	MinLength int
}

func (p *HTMLParser) Parse(data []byte) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var paragraphs []string
	doc.Find("p").Each(func(_ int, s *goquery.Selection) {
		t := normalizeSpace(s.Text())
		if keepParagraph(t, p.MinLength) {
			paragraphs = append(paragraphs, t)
		}
	})

	doc.Find("script, style, noscript, template").Remove()
	return &Document{
		Paragraphs: paragraphs,
		Text:       normalizeSpace(doc.Text()),
	}, nil
}

// PDFParser extracts plain text page by page and splits it on blank lines.
type PDFParser struct {
	MinLength int
}

var blankLines = regexp.MustCompile(`\n\s*\n`)

func (p *PDFParser) Parse(data []byte) (*Document, error) {
	reader, err := pdflib.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	var buf strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		buf.WriteString(pageText)
		buf.WriteString("\n\n")
	}

	raw := buf.String()
	var paragraphs []string
	for _, block := range blankLines.Split(raw, -1) {
		t := normalizeSpace(block)
		if keepParagraph(t, p.MinLength) {
			paragraphs = append(paragraphs, t)
		}
	}
	return &Document{Paragraphs: paragraphs, Text: normalizeSpace(raw)}, nil
}

// MarkdownParser takes goldmark paragraph nodes.
type MarkdownParser struct {
	MinLength int
}

func (p *MarkdownParser) Parse(data []byte) (*Document, error) {
	root := goldmark.New().Parser().Parse(text.NewReader(data))

	var paragraphs, all []string
	err := ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindParagraph, ast.KindTextBlock, ast.KindHeading:
			t := normalizeSpace(inlineText(n, data))
			if t == "" {
				return ast.WalkSkipChildren, nil
			}
			all = append(all, t)
			if n.Kind() != ast.KindHeading && keepParagraph(t, p.MinLength) {
				paragraphs = append(paragraphs, t)
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk markdown: %w", err)
	}
	return &Document{Paragraphs: paragraphs, Text: strings.Join(all, " ")}, nil
}

// inlineText concatenates the text segments below n.
func inlineText(n ast.Node, src []byte) string {
	var buf bytes.Buffer
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			buf.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				buf.WriteByte(' ')
			}
			continue
		}
		buf.WriteString(inlineText(c, src))
	}
	return buf.String()
}
