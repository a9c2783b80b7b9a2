package crawl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html/charset"

	"github.com/ilyasni/telegram-assistant/internal/config"
)

// Result is the structured fetch output; Markdown is the main payload.
type Result struct {
	InputURL     string    `json:"input_url"`
	FinalURL     string    `json:"final_url"`
	Status       int       `json:"status"`
	ContentType  string    `json:"content_type"`
	Title        string    `json:"title"`
	Markdown     string    `json:"markdown"`
	UsedReadable bool      `json:"used_readable"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// Fetcher downloads one page within hard byte/redirect/time bounds and
// renders it to Markdown, preferring the readability extraction.
type Fetcher struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
}

// NewFetcher builds the fetcher from crawl configuration.
func NewFetcher(cfg config.CrawlConfig) *Fetcher {
	dialer := &net.Dialer{Timeout: 7 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   7 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}
	maxRedirects := cfg.MaxRedirects
	client := &http.Client{
		Transport: transport,
		Timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	}
	return &Fetcher{client: client, maxBytes: cfg.MaxBodyBytes, userAgent: ua}
}

// errors the enricher maps to result categories
var (
	errTooLarge = errors.New("response exceeds max bytes")
	errParse    = errors.New("content parse failed")
)

// Fetch downloads rawURL and returns best-effort Markdown. The URL must
// already be canonicalized and SSRF-checked.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9,ru;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	res := &Result{
		InputURL:  rawURL,
		FinalURL:  resp.Request.URL.String(),
		Status:    resp.StatusCode,
		FetchedAt: time.Now().UTC(),
	}
	if resp.StatusCode >= 400 {
		return res, fmt.Errorf("status %d", resp.StatusCode)
	}

	ct, cs := parseContentType(resp.Header.Get("Content-Type"))
	res.ContentType = ct

	limited := io.LimitReader(resp.Body, f.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, errTooLarge
	}

	utf8Body, err := toUTF8(body, cs)
	if err != nil {
		return nil, fmt.Errorf("%w: charset: %v", errParse, err)
	}

	switch {
	case isHTML(ct):
		html := string(utf8Body)
		var articleHTML, title string

		base, _ := url.Parse(res.FinalURL)
		if art, rerr := readability.FromReader(strings.NewReader(html), base); rerr == nil &&
			strings.TrimSpace(art.Content) != "" {
			articleHTML = art.Content
			title = strings.TrimSpace(art.Title)
			res.UsedReadable = true
		}
		if articleHTML == "" {
			articleHTML = html
		}

		md, mdErr := htmltomarkdown.ConvertString(articleHTML,
			converter.WithDomain(baseOrigin(res.FinalURL)))
		if mdErr != nil {
			return nil, fmt.Errorf("%w: html to markdown: %v", errParse, mdErr)
		}
		if title != "" && !strings.HasPrefix(strings.TrimSpace(md), "# ") {
			md = "# " + title + "\n\n" + md
		}
		res.Title = title
		res.Markdown = strings.TrimSpace(md)
		return res, nil

	case strings.HasPrefix(ct, "text/"):
		res.Markdown = strings.TrimSpace(string(utf8Body))
		return res, nil

	case ct == "application/json" || strings.HasSuffix(ct, "+json"):
		res.Markdown = "```json\n" + strings.TrimSpace(string(utf8Body)) + "\n```"
		return res, nil

	default:
		return nil, fmt.Errorf("%w: unsupported content type %q", errParse, ct)
	}
}

func parseContentType(header string) (ctype, cs string) {
	if header == "" {
		return "text/html", ""
	}
	mt, params, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(header)), ""
	}
	return mt, params["charset"]
}

func isHTML(ct string) bool {
	return ct == "text/html" || ct == "application/xhtml+xml"
}

// toUTF8 decodes body to UTF-8 using the declared charset, or UTF-8 when
// none is declared; the body is not sniffed.
func toUTF8(body []byte, declared string) ([]byte, error) {
	r, err := charset.NewReaderLabel(firstNonEmpty(declared, "utf-8"), strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func baseOrigin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
