package tracking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPixelIs43Bytes(t *testing.T) {
	assert.Len(t, Pixel, 43)
	// GIF89a magic.
	assert.Equal(t, "GIF89a", string(Pixel[:6]))
}

func TestNewTrackingID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewTrackingID()
		assert.True(t, IsValidTrackingID(id), "id %q should be 32 hex chars", id)
		assert.False(t, seen[id], "ids must not repeat")
		seen[id] = true
	}
}

func TestIsValidTrackingID(t *testing.T) {
	assert.True(t, IsValidTrackingID("0123456789abcdef0123456789abcdef"))
	assert.False(t, IsValidTrackingID("0123456789ABCDEF0123456789ABCDEF"))
	assert.False(t, IsValidTrackingID("short"))
	assert.False(t, IsValidTrackingID("0123456789abcdef0123456789abcdeg"))
}

func TestURLBuilder(t *testing.T) {
	b := NewURLBuilder("https://app.example.com/")
	id := "0123456789abcdef0123456789abcdef"

	assert.Equal(t, "https://app.example.com/t/o/"+id, b.OpenURL(id))
	assert.Equal(t, "https://app.example.com/t/u/"+id, b.UnsubscribeURL(id))
	assert.Equal(t, "https://app.example.com/t/v/"+id, b.ViewInBrowserURL(id))
	assert.Equal(t,
		"https://app.example.com/t/c/"+id+"/2?url=https%3A%2F%2Fdest.example%2Fa%3Fb%3D1",
		b.ClickURL(id, 2, "https://dest.example/a?b=1"))
}

func TestIsTrackingURL(t *testing.T) {
	b := NewURLBuilder("https://app.example.com")
	assert.True(t, b.IsTrackingURL("https://app.example.com/t/c/abc/0?url=x"))
	assert.False(t, b.IsTrackingURL("https://other.example.com/t/c/abc/0"))
	assert.False(t, b.IsTrackingURL("https://app.example.com/campaigns"))
}
