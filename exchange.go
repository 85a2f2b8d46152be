package xmsg

import (
	"fmt"
	"strings"
)

// Exchange names a durable topic exchange.
type Exchange string

const (
	// Messages carries chat messages.
	Messages Exchange = "messages"
)

// DefaultExchanges is the fixed set declared when a client starts.
func DefaultExchanges() []Exchange {
	return []Exchange{Messages}
}

func (e Exchange) String() string { return string(e) }

// checkRoutingKey rejects wildcards in a publish routing key; they only have
// meaning in bindings.
func checkRoutingKey(key string) error {
	if strings.ContainsAny(key, "*#") {
		return fmt.Errorf("%w: %q contains a wildcard", ErrInvalidRoutingKey, key)
	}
	return nil
}

// checkBindingKey requires '*' and '#' to stand alone as dot-separated words.
func checkBindingKey(pattern string) error {
	for _, word := range strings.Split(pattern, ".") {
		if word != "*" && word != "#" && strings.ContainsAny(word, "*#") {
			return fmt.Errorf("%w: %q mixes a wildcard into the word %q", ErrInvalidRoutingKey, pattern, word)
		}
	}
	return nil
}
