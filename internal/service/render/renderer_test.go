package render

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/tracking"
)

func newTestRenderer() *Renderer {
	return NewRenderer(tracking.NewURLBuilder("https://track.example.com"))
}

func testContact() *domain.Contact {
	return &domain.Contact{
		ID:        "ct1",
		Email:     "jane@example.com",
		FirstName: "Jane",
		LastName:  "Doe",
		Status:    domain.ContactStatusSubscribed,
	}
}

func TestRenderSubstitutesContactFields(t *testing.T) {
	r := newTestRenderer()

	out, err := r.Render(Input{
		Subject: "Hi {{ contact.firstName }}",
		HTML:    "<p>Hello {{ contact.firstName }} {{ contact.lastName }}</p>",
		Contact: testContact(),
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi Jane", out.Subject)
	assert.Contains(t, out.HTML, "Hello Jane Doe")
}

func TestRenderMissingVariableFallsBackToDefaultThenEmpty(t *testing.T) {
	r := newTestRenderer()

	out, err := r.Render(Input{
		Subject:  "From {{ company_name }}",
		HTML:     "<p>{{ company_name }} / [{{ missing_var }}]</p>",
		Contact:  testContact(),
		Defaults: map[string]string{"company_name": "Acme"},
	})
	require.NoError(t, err)
	assert.Equal(t, "From Acme", out.Subject)
	assert.Contains(t, out.HTML, "Acme / []")
}

func TestRenderSystemVariables(t *testing.T) {
	r := newTestRenderer()

	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	out, err := r.Render(Input{
		HTML:       `<p>{{ current_date }} {{ current_year }} <a href="{{ unsubscribe_link }}">bye</a></p>`,
		Contact:    testContact(),
		TrackingID: "abc123",
		Now:        now,
	})
	require.NoError(t, err)
	assert.Contains(t, out.HTML, "March 15, 2026")
	assert.Contains(t, out.HTML, "2026")
	assert.Contains(t, out.HTML, "https://track.example.com/t/u/abc123")
}

func TestRenderRewritesLinksInDocumentOrder(t *testing.T) {
	r := newTestRenderer()

	out, err := r.Render(Input{
		HTML: `<body><a href="https://a.example/1">one</a>` +
			`<a href="https://a.example/2">two</a></body>`,
		Contact:     testContact(),
		TrackingID:  "abc123",
		TrackClicks: true,
	})
	require.NoError(t, err)

	require.Len(t, out.TrackedLinks, 2)
	assert.Equal(t, domain.TrackedLink{Index: 0, OriginalURL: "https://a.example/1"}, out.TrackedLinks[0])
	assert.Equal(t, domain.TrackedLink{Index: 1, OriginalURL: "https://a.example/2"}, out.TrackedLinks[1])
	assert.Contains(t, out.HTML, "/t/c/abc123/0?url=")
	assert.Contains(t, out.HTML, "/t/c/abc123/1?url=")
	assert.NotContains(t, out.HTML, `href="https://a.example/1"`)
}

func TestRenderSkipsNonTrackableLinks(t *testing.T) {
	r := newTestRenderer()

	out, err := r.Render(Input{
		HTML: `<body>` +
			`<a href="mailto:x@y.co">mail</a>` +
			`<a href="tel:+123">call</a>` +
			`<a href="#section">jump</a>` +
			`<a href="{{ broken_var }}">var</a>` +
			`<a href="{{ unsubscribe_link }}">unsub</a>` +
			`<a href="https://ok.example/">real</a>` +
			`</body>`,
		Contact:     testContact(),
		TrackingID:  "abc123",
		TrackClicks: true,
	})
	require.NoError(t, err)

	// Only the last link is rewritten; the unsubscribe link resolved to a
	// tracking URL during substitution and stays untouched.
	require.Len(t, out.TrackedLinks, 1)
	assert.Equal(t, "https://ok.example/", out.TrackedLinks[0].OriginalURL)
	assert.Contains(t, out.HTML, `href="mailto:x@y.co"`)
	assert.Contains(t, out.HTML, `href="tel:+123"`)
	assert.Contains(t, out.HTML, `href="#section"`)
	assert.Contains(t, out.HTML, "https://track.example.com/t/u/abc123")
}

func TestRenderIsIdempotentOnRenderedOutput(t *testing.T) {
	r := newTestRenderer()

	in := Input{
		HTML:        `<body><a href="https://a.example/1">one</a></body>`,
		Contact:     testContact(),
		TrackingID:  "abc123",
		TrackOpens:  true,
		TrackClicks: true,
	}
	first, err := r.Render(in)
	require.NoError(t, err)

	in.HTML = first.HTML
	in.TrackOpens = false
	second, err := r.Render(in)
	require.NoError(t, err)

	assert.Empty(t, second.TrackedLinks, "tracking URLs must not be rewritten again")
	assert.Equal(t, strings.Count(first.HTML, "/t/c/abc123/"), strings.Count(second.HTML, "/t/c/abc123/"))
}

func TestRenderInjectsOpenPixel(t *testing.T) {
	r := newTestRenderer()

	out, err := r.Render(Input{
		HTML:       `<body><p>hello</p></body>`,
		Contact:    testContact(),
		TrackingID: "abc123",
		TrackOpens: true,
	})
	require.NoError(t, err)

	assert.Contains(t, out.HTML, `<img src="https://track.example.com/t/o/abc123"`)
	assert.Less(t, strings.Index(out.HTML, "<p>hello</p>"), strings.Index(out.HTML, "<img"),
		"pixel goes at the end of the body")
}

func TestRenderEmptyHTMLStillGetsPixel(t *testing.T) {
	r := newTestRenderer()

	out, err := r.Render(Input{
		Contact:    testContact(),
		TrackingID: "abc123",
		TrackOpens: true,
	})
	require.NoError(t, err)
	assert.Contains(t, out.HTML, "/t/o/abc123")
}

func TestPlainTextFallback(t *testing.T) {
	html := `<html><head><style>p { color: red }</style></head>` +
		`<body><script>alert(1)</script><p>Hello   world</p><p>Bye</p></body></html>`
	assert.Equal(t, "Hello world Bye", PlainTextFallback(html))
}

func TestRenderDerivesTextOnlyWhenEmpty(t *testing.T) {
	r := newTestRenderer()

	out, err := r.Render(Input{
		HTML:    "<p>Hello</p>",
		Text:    "explicit text",
		Contact: testContact(),
	})
	require.NoError(t, err)
	assert.Equal(t, "explicit text", out.Text)

	out, err = r.Render(Input{HTML: "<p>Hello</p>", Contact: testContact()})
	require.NoError(t, err)
	assert.Equal(t, "Hello", out.Text)
}
