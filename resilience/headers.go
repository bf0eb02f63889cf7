package resilience

import "net/http"

// mergeHeaders computes effectiveHeaders = merge(caller,
// default, defaultByMethod[method]), case-insensitive, with an
// empty/placeholder value treated as deletion and no duplicate values.
// Sources are applied weakest first (defaultByMethod, default, caller):
// their values accumulate under each key, and an empty value in a later
// source deletes what earlier sources set.
func mergeHeaders(method string, caller, def http.Header, byMethod map[string]http.Header) http.Header {
	result := make(http.Header)

	apply := func(src http.Header) {
		for key, values := range src {
			for _, v := range values {
				if v == "" {
					result.Del(key)
					continue
				}
				if !containsValue(result.Values(key), v) {
					result.Add(key, v)
				}
			}
		}
	}

	// Precedence, lowest to highest: defaultByMethod, default, caller —
	// caller must win, so apply weakest first.
	if byMethod != nil {
		if h, ok := byMethod[method]; ok {
			apply(h)
		}
	}
	apply(def)
	apply(caller)

	return result
}

func containsValue(existing []string, v string) bool {
	for _, e := range existing {
		if e == v {
			return true
		}
	}
	return false
}
