package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	nurl "net/url"
	"regexp"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

const (
	// rawFetchCap bounds the downloaded body; conversion needs the whole document.
	rawFetchCap = 5 << 20

	defaultOutputLimit = 18_000
	maxOutputLimit     = 100_000
	defaultLinksLimit  = 200
	maxLinksLimit      = 2_000
)

var fetchClient = &http.Client{Timeout: 60 * time.Second}

type fetchInputs struct {
	URL            string            `json:"url"`
	Mode           string            `json:"mode"`
	Offset         int               `json:"offset"`
	Limit          int               `json:"limit"`
	Search         string            `json:"search"`
	Headers        map[string]string `json:"headers"`
	TimeoutSeconds int               `json:"timeoutSeconds"`
}

type fetchLink struct {
	URL  string `json:"url"`
	Text string `json:"text"`
}

type fetchOutput struct {
	URL         string      `json:"url"`
	Mode        string      `json:"mode"`
	Status      int         `json:"status"`
	ContentType string      `json:"contentType,omitempty"`
	Title       string      `json:"title,omitempty"`
	Content     string      `json:"content,omitempty"`
	Links       []fetchLink `json:"links,omitempty"`
	WordCount   int         `json:"wordCount"`
	TotalChars  int         `json:"totalChars"`
	Truncated   string      `json:"truncated,omitempty"`
	Note        string      `json:"note,omitempty"`
	DurationMS  int64       `json:"durationMs"`
}

type fetchProgress struct {
	Stage       string `json:"stage"`
	URL         string `json:"url,omitempty"`
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Bytes       int    `json:"bytes,omitempty"`
}

// FetchURL downloads a page and returns it in a readable form:
//   - article: readability extraction converted to Markdown (default)
//   - full:    the whole page converted to Markdown
//   - links:   every unique link on the page
//   - raw:     the body as downloaded
//
// Non-HTML text bodies are always returned raw. Progress is streamed at each
// stage. Output is paginated with offset and limit.
func FetchURL(ctx context.Context, inputs map[string]any, tc *Context) (any, error) {
	var in fetchInputs
	if err := decodeInputs(inputs, &in); err != nil {
		return nil, fmt.Errorf("web/fetchUrl: %w", err)
	}
	if !strings.HasPrefix(in.URL, "http://") && !strings.HasPrefix(in.URL, "https://") {
		return nil, errors.New("web/fetchUrl: url must start with http:// or https://")
	}
	mode := strings.ToLower(in.Mode)
	if mode == "" {
		mode = "article"
	}
	switch mode {
	case "article", "full", "links", "raw":
	default:
		return nil, fmt.Errorf("web/fetchUrl: unknown mode %q", in.Mode)
	}
	limit := in.Limit
	if limit <= 0 || limit > maxOutputLimit {
		limit = defaultOutputLimit
	}
	offset := max(in.Offset, 0)
	timeout := 30 * time.Second
	if in.TimeoutSeconds > 0 && in.TimeoutSeconds <= 60 {
		timeout = time.Duration(in.TimeoutSeconds) * time.Second
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_ = tc.StreamResponse(fetchProgress{Stage: "fetching", URL: in.URL})

	if err := preflight(reqCtx, in.URL, in.Headers); err != nil {
		return nil, err
	}

	req, err := newFetchRequest(reqCtx, http.MethodGet, in.URL, in.Headers)
	if err != nil {
		return nil, fmt.Errorf("web/fetchUrl: building request: %w", err)
	}

	start := time.Now()
	resp, err := fetchClient.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			return nil, fmt.Errorf("web/fetchUrl: request timed out after %s", timeout)
		}
		return nil, fmt.Errorf("web/fetchUrl: %w", err)
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if !textual(contentType) {
		return nil, fmt.Errorf("%w: %q", errBinaryContent, contentType)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, rawFetchCap))
	if err != nil {
		return nil, fmt.Errorf("web/fetchUrl: reading body: %w", err)
	}

	_ = tc.StreamResponse(fetchProgress{
		Stage:       "fetched",
		Status:      resp.StatusCode,
		ContentType: contentType,
		Bytes:       len(body),
	})

	out := fetchOutput{
		URL:         in.URL,
		Mode:        mode,
		Status:      resp.StatusCode,
		ContentType: contentType,
	}
	raw := string(body)

	if !isHTML(contentType) || mode == "raw" {
		out.Mode = "raw"
		if err := fillContent(&out, raw, in.Search, offset, limit); err != nil {
			return nil, err
		}
		out.DurationMS = time.Since(start).Milliseconds()
		return out, nil
	}

	pageURL, _ := nurl.Parse(in.URL)
	if pageURL == nil {
		pageURL = &nurl.URL{}
	}

	switch mode {
	case "article":
		md, title, note := articleMarkdown(raw, pageURL)
		out.Title, out.Note = title, note
		if err := fillContent(&out, md, in.Search, offset, limit); err != nil {
			return nil, err
		}
		if out.Note == "" && out.WordCount < 100 {
			out.Note = "Low content detected; the page may be dynamic. Try mode 'full' or 'links'."
		}
	case "full":
		md, err := htmltomarkdown.ConvertString(raw)
		if err != nil {
			md = raw
			out.Note = "HTML-to-Markdown conversion failed; returning raw HTML."
		}
		if err := fillContent(&out, strings.TrimSpace(md), in.Search, offset, limit); err != nil {
			return nil, err
		}
	case "links":
		all := pageLinks(raw, pageURL)
		linkLimit := in.Limit
		if linkLimit <= 0 || linkLimit > maxLinksLimit {
			linkLimit = defaultLinksLimit
		}
		w := newWindow(len(all), offset, linkLimit)
		out.Links = all[w.start:w.end]
		out.Truncated = w.hint("links")
		out.TotalChars = len(all)
		out.WordCount = len(all)
	}

	_ = tc.StreamResponse(fetchProgress{Stage: "converted"})
	out.DurationMS = time.Since(start).Milliseconds()
	return out, nil
}

func fillContent(out *fetchOutput, content, search string, offset, limit int) error {
	if search != "" {
		re, err := regexp.Compile(search)
		if err != nil {
			return fmt.Errorf("web/fetchUrl: invalid search pattern: %w", err)
		}
		content = grepContext(content, re, searchContextLines)
	}
	out.WordCount = len(strings.Fields(content))
	out.TotalChars = len(content)

	w := newWindow(len(content), offset, limit)
	if w.truncated() {
		// Keep Markdown lines whole when a newline sits close to the cut.
		if nl := strings.LastIndexByte(content[w.start:w.end], '\n'); nl >= 0 && w.end-(w.start+nl) < 200 {
			w.end = w.start + nl + 1
		}
	}
	out.Content = content[w.start:w.end]
	out.Truncated = w.hint("characters")
	return nil
}

// articleMarkdown extracts the main article and converts it to Markdown,
// falling back to the full page when readability finds nothing.
func articleMarkdown(rawHTML string, pageURL *nurl.URL) (md, title, note string) {
	article, err := readability.FromReader(strings.NewReader(rawHTML), pageURL)
	if err != nil || strings.TrimSpace(article.TextContent) == "" {
		full, convErr := htmltomarkdown.ConvertString(rawHTML)
		if convErr != nil {
			return rawHTML, "", "Article extraction and Markdown conversion failed; returning raw HTML."
		}
		return strings.TrimSpace(full), "", "No article content found; returning the full page as Markdown."
	}
	converted, convErr := htmltomarkdown.ConvertString(article.Content)
	if convErr != nil {
		return strings.TrimSpace(article.TextContent), article.Title, ""
	}
	return strings.TrimSpace(converted), article.Title, ""
}

var errBinaryContent = errors.New("web/fetchUrl: content type is binary or unsupported")

func newFetchRequest(ctx context.Context, method, url string, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "toolhost/1.0 (web/fetchUrl)")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// preflight asks for the headers first so binary downloads are refused before
// the body is transferred. Only a HEAD answer naming a non-text type fails;
// anything else leaves the decision to the GET.
func preflight(ctx context.Context, url string, headers map[string]string) error {
	req, err := newFetchRequest(ctx, http.MethodHead, url, headers)
	if err != nil {
		return nil
	}
	resp, err := fetchClient.Do(req)
	if err != nil {
		return nil
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !textual(ct) {
		return fmt.Errorf("%w: %q", errBinaryContent, ct)
	}
	return nil
}

// window is the [start, end) slice of total items selected by offset and
// limit.
type window struct {
	start, end, total int
}

func newWindow(total, offset, limit int) window {
	start := min(offset, total)
	return window{start: start, end: min(start+limit, total), total: total}
}

func (w window) truncated() bool { return w.end < w.total }

// hint describes the cut for the caller, or returns "" when everything from
// offset on was returned.
func (w window) hint(unit string) string {
	switch {
	case w.total > 0 && w.start == w.total:
		return fmt.Sprintf("offset %d is past the end (%d %s)", w.start, w.total, unit)
	case w.truncated():
		return fmt.Sprintf("%s %d-%d of %d; continue with offset=%d", unit, w.start, w.end-1, w.total, w.end)
	}
	return ""
}

// pageLinks lists the distinct navigable anchors in rawHTML, resolved against
// base, in document order.
func pageLinks(rawHTML string, base *nurl.URL) []fetchLink {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}
	var links []fetchLink
	seen := map[string]bool{}
	for n := range doc.Descendants() {
		if n.Type != html.ElementNode || n.Data != "a" {
			continue
		}
		href := resolveHref(attr(n, "href"), base)
		if href == "" || seen[href] {
			continue
		}
		seen[href] = true
		text := innerText(n)
		if text == "" {
			text = href
		}
		links = append(links, fetchLink{URL: href, Text: text})
	}
	return links
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

// resolveHref returns href as an absolute URL, or "" for in-page anchors and
// non-navigable schemes.
func resolveHref(href string, base *nurl.URL) string {
	if href == "" || href[0] == '#' {
		return ""
	}
	ref, err := nurl.Parse(href)
	if err != nil {
		return href
	}
	switch strings.ToLower(ref.Scheme) {
	case "javascript", "mailto", "tel", "data":
		return ""
	}
	return base.ResolveReference(ref).String()
}

func innerText(n *html.Node) string {
	var sb strings.Builder
	for d := range n.Descendants() {
		if d.Type == html.TextNode {
			sb.WriteString(d.Data)
		}
	}
	return strings.TrimSpace(sb.String())
}

func isHTML(contentType string) bool {
	mt := mediaType(contentType)
	return mt == "text/html" || mt == "application/xhtml+xml"
}

// textual reports whether contentType names a body web/fetchUrl will return.
func textual(contentType string) bool {
	mt := mediaType(contentType)
	if strings.HasPrefix(mt, "text/") || strings.HasSuffix(mt, "+json") || strings.HasSuffix(mt, "+xml") {
		return true
	}
	switch mt {
	case "application/json", "application/xml", "application/javascript", "application/x-ndjson":
		return true
	}
	return false
}

func mediaType(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

const searchContextLines = 3

// grepContext keeps the lines of body matching re together with radius lines
// around each match. Hunks that do not touch are separated by "---".
func grepContext(body string, re *regexp.Regexp, radius int) string {
	lines := strings.Split(body, "\n")
	var out []string
	written := -1 // index one past the last line written
	for i, line := range lines {
		if !re.MatchString(line) {
			continue
		}
		from, to := max(i-radius, 0), min(i+radius+1, len(lines))
		if written >= 0 && from > written {
			out = append(out, "---")
		}
		out = append(out, lines[max(from, written):to]...)
		written = to
	}
	return strings.Join(out, "\n")
}
