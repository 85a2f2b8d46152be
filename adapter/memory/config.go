package memory

import (
	"net/url"
	"strconv"
)

// Config controls in-memory broker behavior.
type Config struct {
	// BufferSize is the per-queue backlog (default: 1024). Publishers block
	// while a bound queue is full.
	BufferSize int
}

// ConfigFromValues reads broker settings from URL query parameters, e.g.
// memory://orders?buffer_size=64.
func ConfigFromValues(v url.Values) Config {
	getInt := func(k string, d int) int {
		if s := v.Get(k); s != "" {
			if n, err := strconv.Atoi(s); err == nil {
				return n
			}
		}
		return d
	}

	return Config{
		BufferSize: maxInt(1, getInt("buffer_size", 1024)),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
