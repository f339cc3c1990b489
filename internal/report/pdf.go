package report

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/joelkehle/pat/internal/pat"
)

// Renderer turns a comparison exchange into a PDF.
type Renderer interface {
	Render(ctx context.Context, c pat.Comparison) ([]byte, error)
}

const renderTimeout = 30 * time.Second

type ChromiumRenderer struct {
	chromePath string
}

func NewChromiumRenderer() *ChromiumRenderer {
	return &ChromiumRenderer{chromePath: detectChromePath()}
}

func (r *ChromiumRenderer) Render(ctx context.Context, c pat.Comparison) ([]byte, error) {
	doc, err := BuildHTML(c)
	if err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, renderTimeout)
	defer cancel()

	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	}
	if r.chromePath != "" {
		opts = append(opts, chromedp.ExecPath(r.chromePath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(timeoutCtx, append(chromedp.DefaultExecAllocatorOptions[:], opts...)...)
	defer allocCancel()
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	var pdf []byte
	dataURL := "data:text/html;base64," + base64.StdEncoding.EncodeToString([]byte(doc))
	if err := chromedp.Run(taskCtx,
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			out, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithDisplayHeaderFooter(true).
				WithHeaderTemplate(`<div></div>`).
				WithFooterTemplate(`<div style="width:100%;text-align:center;font-size:9px;color:#666;">` +
					`PAT <span class="pageNumber"></span>/<span class="totalPages"></span></div>`).
				WithPaperWidth(8.5).
				WithPaperHeight(11).
				WithMarginTop(0.5).
				WithMarginBottom(0.75).
				Do(ctx)
			if err != nil {
				return err
			}
			pdf = out
			return nil
		}),
	); err != nil {
		return nil, fmt.Errorf("render comparison pdf: %w", err)
	}
	return pdf, nil
}

// Pat numbers its sections "1. Pat's Thoughts on ...: body".
var sectionLine = regexp.MustCompile(`(?m)^\s*[0-9]+\.\s*(Pat's Thoughts on [^:\n]+):\s*`)

// Markdown lays out a comparison as a markdown document.
func Markdown(c pat.Comparison) string {
	var b strings.Builder
	b.WriteString("# Patent Comparison\n\n")
	if c.UserFile != "" {
		b.WriteString("- **Your patent:** " + filepath.Base(c.UserFile) + "\n")
	}
	if c.ComparedFile != "" {
		b.WriteString("- **Compared patent:** " + filepath.Base(c.ComparedFile) + "\n")
	}
	b.WriteString("- **Text similarity:** " + strconv.FormatFloat(c.TextSimilarity, 'f', -1, 64) + "%\n")
	if c.ContextPercentage != nil {
		b.WriteString("- **Context similarity:** " + strconv.Itoa(*c.ContextPercentage) + "%\n")
	} else {
		b.WriteString("- **Context similarity:** not reported\n")
	}
	b.WriteString("\n")
	b.WriteString(sectionLine.ReplaceAllString(strings.TrimSpace(c.Reply), "\n## $1\n\n"))
	b.WriteString("\n")
	return b.String()
}

// BuildHTML renders the comparison markdown into a standalone printable page.
func BuildHTML(c pat.Comparison) (string, error) {
	var content strings.Builder
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := md.Convert([]byte(Markdown(c)), &content); err != nil {
		return "", fmt.Errorf("markdown convert: %w", err)
	}
	meta := ""
	if c.ChatID != 0 {
		meta += "<div><strong>Chat:</strong> " + strconv.FormatInt(c.ChatID, 10) + "</div>"
	}
	if !c.At.IsZero() {
		meta += "<div><strong>Date:</strong> " + html.EscapeString(c.At.Format("January 2, 2006 at 3:04 PM MST")) + "</div>"
	}
	return "<!doctype html><html><head><meta charset='utf-8'><title>PAT Comparison</title><style>" +
		"body{font-family:Georgia,serif;color:#1c1917;padding:0.6rem;} .wrap{max-width:900px;margin:0 auto;} " +
		".meta{color:#44403c;font-size:0.85rem;margin-bottom:1rem;} h1{border-bottom:2px solid #1e3a8a;} " +
		"h2{color:#1e3a8a;font-size:1.1rem;margin-top:1.4rem;} " +
		"@media print{ @page{margin:12mm;} body{padding:0;} }" +
		"</style></head><body><div class='wrap'><div class='meta'>" + meta + "</div>" +
		content.String() + "</div></body></html>", nil
}

func detectChromePath() string {
	if p := strings.TrimSpace(os.Getenv("PAT_CHROME_PATH")); p != "" {
		return p
	}
	for _, p := range []string{"/usr/bin/chromium-browser", "/usr/bin/chromium", "/usr/bin/google-chrome"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
