package config

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// DefaultSTUNURL is the public STUN server the browser client used.
const DefaultSTUNURL = "stun:stun.l.google.com:19302"

// ParseSTUNURLs turns a comma-separated list of stun:/stuns: URLs into ICE
// servers. "none" yields no servers (host candidates only). TURN is not
// supported.
func ParseSTUNURLs(raw string) ([]webrtc.ICEServer, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "none") {
		return nil, nil
	}
	urls := splitList(raw)
	for _, u := range urls {
		scheme, rest, ok := strings.Cut(u, ":")
		if !ok || rest == "" {
			return nil, fmt.Errorf("invalid STUN url %q", u)
		}
		switch strings.ToLower(scheme) {
		case "stun", "stuns":
		case "turn", "turns":
			return nil, fmt.Errorf("TURN url %q is not supported", u)
		default:
			return nil, fmt.Errorf("invalid STUN url %q (expected stun: or stuns:)", u)
		}
	}
	if len(urls) == 0 {
		return nil, nil
	}
	return []webrtc.ICEServer{{URLs: urls}}, nil
}
