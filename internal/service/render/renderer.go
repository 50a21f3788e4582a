// Package render turns a template plus a contact into the final subject,
// HTML and plain-text bodies, rewriting links and injecting the open pixel
// when the campaign tracks engagement.
package render

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/osteele/liquid"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/tracking"
)

// Input carries everything one render needs. Defaults holds the template's
// declared custom-variable fallbacks; they lose to every resolved path.
type Input struct {
	Subject string
	HTML    string
	Text    string

	Contact      *domain.Contact
	Organization *domain.Organization
	Defaults     map[string]string

	TrackingID  string
	TrackOpens  bool
	TrackClicks bool

	Now time.Time
}

// Output is the rendered email plus the link table the tracking redirect
// endpoint resolves indexes against.
type Output struct {
	Subject      string
	HTML         string
	Text         string
	TrackedLinks []domain.TrackedLink
}

// Renderer is safe for concurrent use.
type Renderer struct {
	engine *liquid.Engine
	urls   *tracking.URLBuilder
}

func NewRenderer(urls *tracking.URLBuilder) *Renderer {
	return &Renderer{
		engine: liquid.NewEngine(),
		urls:   urls,
	}
}

// Render substitutes variables in subject, HTML and text, then applies the
// tracking transforms to the HTML body. Applying Render to already-rendered
// output is a no-op for the link rewrite: tracking URLs are never rewritten
// a second time.
func (r *Renderer) Render(in Input) (*Output, error) {
	bindings := r.bindings(in)

	subject, err := r.renderString(in.Subject, bindings)
	if err != nil {
		return nil, fmt.Errorf("render subject: %w", err)
	}
	html, err := r.renderString(in.HTML, bindings)
	if err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	text, err := r.renderString(in.Text, bindings)
	if err != nil {
		return nil, fmt.Errorf("render text: %w", err)
	}

	out := &Output{Subject: subject, Text: text}

	html, out.TrackedLinks, err = r.rewriteHTML(html, in)
	if err != nil {
		return nil, fmt.Errorf("rewrite html: %w", err)
	}
	out.HTML = html

	if out.Text == "" {
		out.Text = PlainTextFallback(html)
	}
	return out, nil
}

func (r *Renderer) renderString(body string, bindings map[string]interface{}) (string, error) {
	if body == "" {
		return "", nil
	}
	return r.engine.ParseAndRenderString(body, bindings)
}

// bindings assembles the variable tree. Declared defaults go in first so any
// resolved path shadows them; unresolved paths with no default render empty.
func (r *Renderer) bindings(in Input) map[string]interface{} {
	bindings := make(map[string]interface{})
	for name, value := range in.Defaults {
		setPath(bindings, name, value)
	}

	if in.Contact != nil {
		bindings["contact"] = in.Contact.RenderContext().ToAny()
	}
	if in.Organization != nil {
		bindings["organization"] = map[string]interface{}{
			"name":       in.Organization.Name,
			"from_name":  in.Organization.DefaultFromName,
			"from_email": in.Organization.DefaultFromEmail,
		}
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	bindings["current_date"] = now.Format("January 2, 2006")
	bindings["current_year"] = now.Format("2006")

	if in.TrackingID != "" {
		bindings["unsubscribe_link"] = r.urls.UnsubscribeURL(in.TrackingID)
		bindings["view_in_browser_link"] = r.urls.ViewInBrowserURL(in.TrackingID)
	}
	return bindings
}

// setPath inserts a possibly dotted variable name into nested maps so that
// a default declared as "order.total" resolves for {{ order.total }}.
func setPath(bindings map[string]interface{}, name, value string) {
	parts := strings.Split(name, ".")
	node := bindings
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]interface{})
		if !ok {
			child = make(map[string]interface{})
			node[part] = child
		}
		node = child
	}
	leaf := parts[len(parts)-1]
	if _, exists := node[leaf]; !exists {
		node[leaf] = value
	}
}

// rewriteHTML rewrites click-tracked links and injects the open pixel. The
// link index is a 0-based counter over rewritten anchors in document order,
// so re-dispatching the same content yields identical indexes.
func (r *Renderer) rewriteHTML(html string, in Input) (string, []domain.TrackedLink, error) {
	if !in.TrackOpens && !in.TrackClicks {
		return html, nil, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", nil, err
	}

	var links []domain.TrackedLink
	if in.TrackClicks {
		index := 0
		doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
			href, _ := sel.Attr("href")
			if !r.rewritable(href, in.TrackingID) {
				return
			}
			sel.SetAttr("href", r.urls.ClickURL(in.TrackingID, index, href))
			links = append(links, domain.TrackedLink{Index: index, OriginalURL: href})
			index++
		})
	}

	if in.TrackOpens {
		pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" style="display:block" alt="">`,
			r.urls.OpenURL(in.TrackingID))
		doc.Find("body").AppendHtml(pixel)
	}

	rewritten, err := serialize(doc, html)
	if err != nil {
		return "", nil, err
	}
	return rewritten, links, nil
}

// rewritable filters out links that must keep their original href.
func (r *Renderer) rewritable(href, trackingID string) bool {
	href = strings.TrimSpace(href)
	switch {
	case href == "",
		strings.HasPrefix(href, "#"),
		strings.HasPrefix(strings.ToLower(href), "mailto:"),
		strings.HasPrefix(strings.ToLower(href), "tel:"):
		return false
	case strings.Contains(href, "{{"):
		// Unresolved variable, left for automation debugging output.
		return false
	case r.urls.IsTrackingURL(href):
		return false
	case trackingID != "" &&
		(href == r.urls.UnsubscribeURL(trackingID) || href == r.urls.ViewInBrowserURL(trackingID)):
		return false
	}
	return true
}

// serialize returns the whole document when the input carried its own
// <body>, otherwise just the fragment so we do not wrap snippet templates
// in a full HTML skeleton.
func serialize(doc *goquery.Document, original string) (string, error) {
	if strings.Contains(strings.ToLower(original), "<body") {
		return goquery.OuterHtml(doc.Selection)
	}
	return doc.Find("body").Html()
}

var (
	styleBlockPattern  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	scriptBlockPattern = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	tagPattern         = regexp.MustCompile(`(?s)<[^>]*>`)
	whitespacePattern  = regexp.MustCompile(`\s+`)
)

// PlainTextFallback derives a text body from HTML: style and script blocks
// go first, then every tag, then runs of whitespace collapse to one space.
func PlainTextFallback(html string) string {
	text := styleBlockPattern.ReplaceAllString(html, " ")
	text = scriptBlockPattern.ReplaceAllString(text, " ")
	text = tagPattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
}
