// Package content turns live page HTML into markdown for language-model callers.
package content

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
)

// ErrEmptyPage is returned when sanitizing leaves nothing to convert.
var ErrEmptyPage = errors.New("page has no readable content")

// Page is the extracted content of one page.
type Page struct {
	URL       string `json:"url"`
	Markdown  string `json:"markdown"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Extractor sanitizes page HTML and converts it to markdown. Safe for
// concurrent use.
type Extractor struct {
	policy    *bluemonday.Policy
	converter *converter.Converter
	logger    *zap.Logger
}

func NewExtractor(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := bluemonday.UGCPolicy()
	// Tables and headings survive UGC; scripts, styles, forms and event
	// handlers do not.
	policy.AllowElements("main", "article", "section", "header", "footer", "nav")
	return &Extractor{
		policy: policy,
		converter: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		logger: logger.Named("content"),
	}
}

// Markdown converts html to markdown. Relative links are resolved against
// pageURL. maxChars <= 0 means no limit; otherwise the result is cut on a rune
// boundary and marked truncated.
func (e *Extractor) Markdown(html, pageURL string, maxChars int) (Page, error) {
	page := Page{URL: pageURL}

	clean := e.policy.Sanitize(html)
	if strings.TrimSpace(clean) == "" {
		return page, ErrEmptyPage
	}

	var opts []converter.ConvertOptionFunc
	if pageURL != "" {
		opts = append(opts, converter.WithDomain(pageURL))
	}
	md, err := e.converter.ConvertString(clean, opts...)
	if err != nil {
		return page, fmt.Errorf("convert to markdown: %w", err)
	}
	md = strings.TrimSpace(md)
	if md == "" {
		return page, ErrEmptyPage
	}

	if maxChars > 0 && utf8.RuneCountInString(md) > maxChars {
		md = string([]rune(md)[:maxChars])
		page.Truncated = true
	}
	page.Markdown = md
	e.logger.Debug("extracted content",
		zap.String("url", pageURL),
		zap.Int("html_bytes", len(html)),
		zap.Int("markdown_bytes", len(md)),
		zap.Bool("truncated", page.Truncated))
	return page, nil
}
