package calls

import (
	"fmt"
	"net/url"
	"strings"
)

// StreamTwiML builds the call-control markup that connects an answered call
// to the bridge's media-stream websocket endpoint. The signed token lets the
// endpoint verify that the stream was invited by this process.
func StreamTwiML(publicURL, token string) (string, error) {
	u, err := url.Parse(publicURL)
	if err != nil {
		return "", fmt.Errorf("parsing public url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("public url %q has no host", publicURL)
	}

	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}

	streamURL := fmt.Sprintf("%s://%s/stream?token=%s", scheme, u.Host, url.QueryEscape(token))

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString(`<Response><Connect><Stream url="`)
	b.WriteString(streamURL)
	b.WriteString(`"/></Connect></Response>`)
	return b.String(), nil
}
