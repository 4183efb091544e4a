package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"html"
	"net/url"
	"strings"
)

// Tracker builds signed open and click tracking links.
type Tracker struct {
	BaseURL string
	Secret  []byte
}

// Token signs messageID. The same id always yields the same token.
func (t Tracker) Token(messageID string) string {
	mac := hmac.New(sha256.New, t.Secret)
	mac.Write([]byte(messageID))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))[:22]
}

// Verify reports whether token was issued for messageID.
func (t Tracker) Verify(messageID, token string) bool {
	return hmac.Equal([]byte(t.Token(messageID)), []byte(token))
}

// PixelURL generates a tracking pixel URL for email opens
func (t Tracker) PixelURL(messageID string) string {
	return fmt.Sprintf("%s/track/open/%s/%s", t.BaseURL, url.PathEscape(messageID), t.Token(messageID))
}

// ClickURL generates a tracked URL for links
func (t Tracker) ClickURL(messageID, originalURL string) string {
	return fmt.Sprintf("%s/track/click/%s/%s?url=%s",
		t.BaseURL, url.PathEscape(messageID), t.Token(messageID), url.QueryEscape(originalURL))
}

// Inject rewrites links for click tracking and appends the open pixel.
func (t Tracker) Inject(body, messageID string) string {
	if t.BaseURL == "" {
		return body
	}
	pixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, t.PixelURL(messageID))
	return t.injectClicks(body, messageID) + pixel
}

// injectClicks wraps every href in a tracked redirect. Attribute values are
// entity-decoded first so the redirect carries the URL the browser would open.
func (t Tracker) injectClicks(body, messageID string) string {
	const startTag = `<a href="`
	offset := 0

	for {
		startIdx := strings.Index(body[offset:], startTag)
		if startIdx == -1 {
			break
		}
		startIdx += offset + len(startTag)

		endIdx := strings.Index(body[startIdx:], `"`)
		if endIdx == -1 {
			break
		}
		endIdx += startIdx

		originalURL := html.UnescapeString(body[startIdx:endIdx])
		if strings.HasPrefix(originalURL, "mailto:") || strings.HasPrefix(originalURL, "#") {
			offset = endIdx
			continue
		}
		tracked := t.ClickURL(messageID, originalURL)
		body = body[:startIdx] + tracked + body[endIdx:]
		offset = startIdx + len(tracked)
	}

	return body
}
