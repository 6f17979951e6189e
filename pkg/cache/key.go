package cache

import (
	"net/url"
	"strings"
)

// KeyFor derives the cache key for a request URL. Query parameters are
// sorted by url.Values.Encode so equivalent URLs share an entry.
//
// Example:
//
//	ci:http:repos/acme/api/actions/runs/7/jobs?filter=latest&page=1&per_page=100
func KeyFor(u *url.URL) string {
	key := "ci:http:" + strings.Trim(u.Path, "/")
	if q := u.Query(); len(q) > 0 {
		key += "?" + q.Encode()
	}
	return key
}
