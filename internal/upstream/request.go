package upstream

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// buildRequest creates the outbound request:
// - joins base URL and path, merging query params
// - copies caller headers minus credentials and hop-by-hop headers
// - injects the bearer token last so callers cannot override it
func buildRequest(
	ctx context.Context,
	method string,
	baseURL, path string,
	query url.Values,
	headers http.Header,
	body []byte,
	accessToken, userAgent string,
) (*http.Request, error) {
	target, err := url.Parse(strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if len(query) > 0 {
		merged := CloneValues(target.Query())
		for k, values := range query {
			for _, v := range values {
				merged.Add(k, v)
			}
		}
		target.RawQuery = merged.Encode()
	}

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	var req *http.Request
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, target.String(), reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, target.String(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	CopyForwardHeaders(req.Header, headers)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("User-Agent") == "" && userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	return req, nil
}

// CloneValues deep-copies query values.
func CloneValues(values url.Values) url.Values {
	cloned := make(url.Values, len(values))
	for k, arr := range values {
		cp := make([]string, len(arr))
		copy(cp, arr)
		cloned[k] = cp
	}
	return cloned
}

// CopyForwardHeaders copies src into dst, skipping credentials and hop-by-hop headers.
func CopyForwardHeaders(dst, src http.Header) {
	for k, values := range src {
		canonical := http.CanonicalHeaderKey(k)
		if shouldSkipRequestHeader(canonical) {
			continue
		}
		for _, v := range values {
			dst.Add(canonical, v)
		}
	}
}

func shouldSkipRequestHeader(header string) bool {
	switch header {
	case "Authorization",
		"Cookie",
		"Accept-Encoding",
		"Connection",
		"Proxy-Connection",
		"Keep-Alive",
		"Transfer-Encoding",
		"Te",
		"Trailer",
		"Upgrade",
		"Proxy-Authenticate",
		"Proxy-Authorization",
		"X-Forwarded-For",
		"X-Real-Ip":
		return true
	default:
		return false
	}
}
