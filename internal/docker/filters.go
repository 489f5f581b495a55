package docker

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// NamespaceLabel marks every object that belongs to a stack.
const NamespaceLabel = "com.docker.stack.namespace"

// Filters is the engine's filter convention: {field: {value: true}}.
type Filters map[string]map[string]bool

func NewFilters() Filters {
	return Filters{}
}

// Add appends value to field and returns f for chaining.
func (f Filters) Add(field, value string) Filters {
	if f[field] == nil {
		f[field] = make(map[string]bool)
	}
	f[field][value] = true
	return f
}

// Namespace filters by the stack namespace label.
func (f Filters) Namespace(namespace string) Filters {
	if namespace == "" {
		return f
	}
	return f.Add("label", NamespaceLabel+"="+namespace)
}

func (f Filters) Encode() (string, error) {
	payload, err := json.Marshal(map[string]map[string]bool(f))
	if err != nil {
		return "", fmt.Errorf("failed to encode filters: %w", err)
	}
	return string(payload), nil
}

// query returns a query carrying the filters, or an empty one when there are
// none.
func (f Filters) query() (url.Values, error) {
	query := url.Values{}
	if len(f) == 0 {
		return query, nil
	}
	encoded, err := f.Encode()
	if err != nil {
		return nil, err
	}
	query.Set("filters", encoded)
	return query, nil
}
