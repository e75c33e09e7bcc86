// Package credentials validates the Netscape-format cookie file backing the
// credentialed fetch strategy. A missing or empty file just disables that
// strategy; a present file gets a health report so an operator can see when
// their cookies are about to rot.
package credentials

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Health summarizes a parsed cookie file.
type Health struct {
	CookieCount    int       `json:"cookie_count"`
	YouTubeCookies int       `json:"youtube_cookies"`
	ExpiredCount   int       `json:"expired_count"`
	EarliestExpiry time.Time `json:"earliest_expiry,omitempty"`
	ExpiringSoon   bool      `json:"expiring_soon"`
	MalformedLines int       `json:"malformed_lines"`
	SessionCookies []string  `json:"session_cookies,omitempty"`
}

// sessionCookieKeys mark Google auth cookies. Their presence is what makes
// the credentialed strategy worth running.
var sessionCookieKeys = []string{"PSID", "LOGIN", "SAPISID", "SSID", "HSID", "SID", "APISID"}

// expirySoonWindow flags cookies that will expire within a week.
const expirySoonWindow = 7 * 24 * time.Hour

// Exists reports whether the cookie file is present and non-empty.
func Exists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Size() > 0
}

// Validate parses the Netscape cookie file and reports its health. The
// boolean result is the gate for the credentialed fetch strategy: false
// means the file is unusable, true means usable even if degraded (expired
// entries, no YouTube cookies at all).
func Validate(path string) (bool, string, Health, error) {
	var h Health
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, "no cookie file found", h, nil
		}
		return false, "", h, err
	}
	defer f.Close()

	now := time.Now()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 7 {
			h.MalformedLines++
			continue
		}
		h.CookieCount++

		domain := strings.ToLower(parts[0])
		name := parts[5]
		if strings.Contains(domain, "youtube.com") || strings.Contains(domain, "google.com") {
			h.YouTubeCookies++
		}
		for _, key := range sessionCookieKeys {
			if strings.Contains(name, key) {
				h.SessionCookies = append(h.SessionCookies, name)
				break
			}
		}

		exp, err := strconv.ParseInt(parts[4], 10, 64)
		if err != nil || exp <= 0 {
			continue // session cookie, no expiry
		}
		expiry := time.Unix(exp, 0)
		if expiry.Before(now) {
			h.ExpiredCount++
			continue
		}
		if h.EarliestExpiry.IsZero() || expiry.Before(h.EarliestExpiry) {
			h.EarliestExpiry = expiry
		}
		if expiry.Sub(now) < expirySoonWindow {
			h.ExpiringSoon = true
		}
	}
	if err := scanner.Err(); err != nil {
		return false, "", h, err
	}

	switch {
	case h.CookieCount == 0:
		return false, "no valid cookie lines found", h, nil
	case h.YouTubeCookies == 0:
		return true, fmt.Sprintf("found %d cookies, but none for YouTube", h.CookieCount), h, nil
	case h.ExpiredCount > 0:
		return true, fmt.Sprintf("%d YouTube cookies (%d expired)", h.YouTubeCookies, h.ExpiredCount), h, nil
	default:
		return true, fmt.Sprintf("%d YouTube cookies validated", h.YouTubeCookies), h, nil
	}
}
