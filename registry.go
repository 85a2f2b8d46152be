package xmsg

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

var (
	dialerRegistryMu sync.RWMutex
	dialerRegistry   = map[string]Dialer{}
)

// RegisterDialer registers a broker adapter for a URL scheme (e.g. "amqp").
func RegisterDialer(scheme string, d Dialer) error {
	if scheme == "" {
		return errors.New("dialer scheme must not be empty")
	}
	if d == nil {
		return errors.New("dialer must not be nil")
	}
	dialerRegistryMu.Lock()
	dialerRegistry[strings.ToLower(scheme)] = d
	dialerRegistryMu.Unlock()
	return nil
}

// DialerFor resolves the registered Dialer for rawURL's scheme.
func DialerFor(rawURL string) (Dialer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("xmsg: parse broker url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)

	dialerRegistryMu.RLock()
	d, ok := dialerRegistry[scheme]
	dialerRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoDialer, scheme)
	}
	return d, nil
}

// scheme returns the lower-cased scheme of rawURL, or "" if it does not parse.
func scheme(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}
