package transport

import (
	"net/http"
	"strings"
)

// BrowserHeaders returns the headers a first-party page on origin would send.
func BrowserHeaders(origin string) http.Header {
	origin = strings.TrimRight(origin, "/")
	h := http.Header{}
	h.Set("Accept", "*/*")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Origin", origin)
	h.Set("Referer", origin+"/")
	return h
}

// Bearer sets an Authorization bearer token.
func Bearer(h http.Header, token string) http.Header {
	if h == nil {
		h = http.Header{}
	}
	h.Set("Authorization", "Bearer "+token)
	return h
}

// Cookie sets a raw Cookie header. Tokens mined from cookie-session backends are
// passed through verbatim.
func Cookie(h http.Header, cookie string) http.Header {
	if h == nil {
		h = http.Header{}
	}
	h.Set("Cookie", cookie)
	return h
}

// Merge copies src into dst, replacing existing keys.
func Merge(dst, src http.Header) http.Header {
	if dst == nil {
		dst = http.Header{}
	}
	for k, vs := range src {
		dst[k] = append([]string(nil), vs...)
	}
	return dst
}
