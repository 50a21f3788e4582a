package tracking

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Pixel is the transparent 1x1 GIF served by the open endpoint. 43 bytes,
// decoded once at init.
var Pixel = mustDecodePixel()

const pixelBase64 = "R0lGODlhAQABAIAAAAAAAP///yH5BAEAAAAALAAAAAABAAEAAAIBRAA7"

func mustDecodePixel() []byte {
	b, err := base64.StdEncoding.DecodeString(pixelBase64)
	if err != nil {
		panic(err)
	}
	return b
}

// NewTrackingID returns 128 random bits as 32 lowercase hex characters.
// Tracking IDs form the public URL namespace for opens, clicks and
// unsubscribes, so they must be unguessable.
func NewTrackingID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// DeterministicTrackingID derives a stable ID from its inputs. Used where
// the caller needs idempotence keyed on its own identifiers, such as one
// automation step sending at most once per enrollment.
func DeterministicTrackingID(parts ...interface{}) string {
	h := sha256.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%v\x00", p)
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// IsValidTrackingID reports whether s looks like a tracking ID.
func IsValidTrackingID(s string) bool {
	if len(s) != 32 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// URLBuilder builds the public tracking URLs under a base URL.
type URLBuilder struct {
	baseURL string
}

func NewURLBuilder(baseURL string) *URLBuilder {
	return &URLBuilder{baseURL: strings.TrimRight(baseURL, "/")}
}

func (b *URLBuilder) OpenURL(trackingID string) string {
	return fmt.Sprintf("%s/t/o/%s", b.baseURL, trackingID)
}

func (b *URLBuilder) ClickURL(trackingID string, linkIndex int, originalURL string) string {
	return fmt.Sprintf("%s/t/c/%s/%d?url=%s", b.baseURL, trackingID, linkIndex, url.QueryEscape(originalURL))
}

func (b *URLBuilder) UnsubscribeURL(trackingID string) string {
	return fmt.Sprintf("%s/t/u/%s", b.baseURL, trackingID)
}

func (b *URLBuilder) ViewInBrowserURL(trackingID string) string {
	return fmt.Sprintf("%s/t/v/%s", b.baseURL, trackingID)
}

// IsTrackingURL reports whether raw already points into this builder's
// tracking namespace. Rewriting such links again would loop redirects.
func (b *URLBuilder) IsTrackingURL(raw string) bool {
	return strings.HasPrefix(raw, b.baseURL+"/t/")
}
