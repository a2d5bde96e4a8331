// Package extract turns a source's input into clean text plus any
// document links discovered on the page.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/wearecity/citykb/internal/source"
)

var (
	// ErrUnsupportedContent indicates a payload type the extractor cannot
	// turn into text, such as a binary document without a text layer.
	ErrUnsupportedContent = errors.New("unsupported content type")

	// ErrEmptyContent indicates extraction produced no usable text.
	ErrEmptyContent = errors.New("no content extracted")

	// ErrUnsupportedKind indicates a source kind the extractor does not
	// handle.
	ErrUnsupportedKind = errors.New("unsupported source kind")

	// ErrFetchFailed indicates a network or HTTP-level failure.
	ErrFetchFailed = errors.New("fetch failed")
)

// documentExtensions are the file types treated as linked documents.
var documentExtensions = map[string]struct{}{
	".pdf": {}, ".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {}, ".odt": {},
}

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxBodySize = 10 << 20 // 10 MiB
	userAgent          = "citykb/1.0"
)

// Request is the extraction input, derived from a source record.
type Request struct {
	Kind source.Kind

	// URL is the page or document location for url/document kinds.
	URL string

	// Title is the caller-supplied title, used as-is for text sources
	// and as an override elsewhere.
	Title string

	// Content is the supplied text for text sources.
	Content string

	// ExtractLinks enables document-link discovery on url pages.
	ExtractLinks bool
}

// Result is the extraction output. Nothing is persisted here; the caller
// writes it to the store.
type Result struct {
	Title    string
	Content  string
	Language string

	// DocumentLinks are absolute document URLs found on the page,
	// deduplicated in discovery order. Only populated for url sources
	// with ExtractLinks set.
	DocumentLinks []string
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithHTTPClient replaces the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Extractor) { e.client = c }
}

// WithMaxBodySize caps how many response bytes are read.
func WithMaxBodySize(n int64) Option {
	return func(e *Extractor) { e.maxBodySize = n }
}

// Extractor fetches and cleans source content.
type Extractor struct {
	client      *http.Client
	logger      *slog.Logger
	maxBodySize int64
}

// New creates an Extractor.
func New(logger *slog.Logger, opts ...Option) *Extractor {
	e := &Extractor{
		client:      &http.Client{Timeout: defaultTimeout},
		logger:      logger.With("component", "extractor"),
		maxBodySize: defaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract produces clean text for the request.
func (e *Extractor) Extract(ctx context.Context, req Request) (*Result, error) {
	switch req.Kind {
	case source.KindText:
		return e.extractText(req)
	case source.KindURL:
		return e.extractURL(ctx, req)
	case source.KindDocument:
		return e.extractDocument(ctx, req)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, req.Kind)
	}
}

func (e *Extractor) extractText(req Request) (*Result, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	return &Result{Title: req.Title, Content: content}, nil
}

func (e *Extractor) extractURL(ctx context.Context, req Request) (*Result, error) {
	body, contentType, err := e.fetch(ctx, req.URL)
	if err != nil {
		return nil, err
	}

	switch {
	case strings.Contains(contentType, "text/html"), contentType == "":
		return e.extractHTML(req, body)
	case strings.Contains(contentType, "text/plain"):
		return plainTextResult(req, body)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContent, contentType)
	}
}

// extractDocument handles linked documents. Binary formats are the crawl
// subsystem's job to convert; here only text-bearing payloads are
// accepted.
func (e *Extractor) extractDocument(ctx context.Context, req Request) (*Result, error) {
	body, contentType, err := e.fetch(ctx, req.URL)
	if err != nil {
		return nil, err
	}

	switch {
	case strings.Contains(contentType, "text/plain"):
		return plainTextResult(req, body)
	case strings.Contains(contentType, "text/html"):
		res, err := e.extractHTML(req, body)
		if err != nil {
			return nil, err
		}
		res.DocumentLinks = nil
		return res, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContent, contentType)
	}
}

func (e *Extractor) extractHTML(req Request, body []byte) (*Result, error) {
	pageURL, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}

	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err != nil {
		return nil, fmt.Errorf("cleaning page: %w", err)
	}

	content := strings.TrimSpace(article.TextContent)
	if content == "" {
		return nil, ErrEmptyContent
	}

	res := &Result{
		Title:   req.Title,
		Content: content,
	}
	if res.Title == "" {
		res.Title = strings.TrimSpace(article.Title)
	}
	if res.Title == "" {
		res.Title = pageURL.Hostname()
	}

	if req.Kind == source.KindURL && req.ExtractLinks {
		links, err := e.documentLinks(body, pageURL)
		if err != nil {
			// Link discovery is best effort; the page content stands.
			e.logger.Warn("document link scan failed", "url", req.URL, "error", err)
		} else {
			res.DocumentLinks = links
		}
	}
	return res, nil
}

// documentLinks scans anchors for linked documents, resolving relative
// URLs against the page and deduplicating in discovery order.
func (e *Extractor) documentLinks(body []byte, base *url.URL) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		ext := strings.ToLower(path.Ext(abs.Path))
		if _, ok := documentExtensions[ext]; !ok {
			return
		}
		abs.Fragment = ""
		key := abs.String()
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		links = append(links, key)
	})
	return links, nil
}

func (e *Extractor) fetch(ctx context.Context, rawURL string) (body []byte, contentType string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("%w: %s returned status %d", ErrFetchFailed, rawURL, resp.StatusCode)
	}

	body, err = io.ReadAll(io.LimitReader(resp.Body, e.maxBodySize))
	if err != nil {
		return nil, "", fmt.Errorf("%w: reading body: %v", ErrFetchFailed, err)
	}

	contentType = resp.Header.Get("Content-Type")
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			contentType = mt
		}
	}
	return body, contentType, nil
}

func plainTextResult(req Request, body []byte) (*Result, error) {
	content := strings.TrimSpace(string(body))
	if content == "" {
		return nil, ErrEmptyContent
	}
	title := req.Title
	if title == "" {
		if u, err := url.Parse(req.URL); err == nil {
			title = u.Hostname()
		}
	}
	return &Result{Title: title, Content: content}, nil
}
