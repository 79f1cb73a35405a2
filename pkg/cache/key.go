package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Key identifies one cached dataset.
type Key struct {
	// Endpoint is the API resource path (e.g., "/resource/incidents.json")
	Endpoint string

	// Filters are the deployment filters sent with every page request
	Filters url.Values

	// PageSize is the page size the dataset was fetched with (0 to omit)
	PageSize int
}

// String generates a deterministic cache key string.
// Format: dataset:endpoint:filter1=val1:filter2=a,b:size=1000
//
// Example:
//
//	dataset:resource/incidents.json:borough=BROOKLYN:size=1000
func (k Key) String() string {
	parts := []string{"dataset"}

	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	// Filters sorted for determinism; multi-valued filters keep their order
	if len(k.Filters) > 0 {
		names := make([]string, 0, len(k.Filters))
		for name := range k.Filters {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s=%s", name, strings.Join(k.Filters[name], ",")))
		}
	}

	if k.PageSize > 0 {
		parts = append(parts, fmt.Sprintf("size=%d", k.PageSize))
	}

	return strings.Join(parts, ":")
}

// metaKey is where the entry's metadata record lives.
func metaKey(key string) string {
	return key + ":meta"
}
