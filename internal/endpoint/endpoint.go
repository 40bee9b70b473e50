package endpoint

import "strings"

// Normalize turns a bare port ("8080") into a listen address (":8080").
// Addresses that already carry a host or a leading colon are returned as is.
func Normalize(addr string) string {
	if addr == "" {
		return ":0"
	}

	if addr[0] == ':' || strings.Contains(addr, ":") {
		return addr
	}

	return ":" + addr
}
