package resilience

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeHeadersPrecedenceCallerWins(t *testing.T) {
	byMethod := map[string]http.Header{
		http.MethodGet: {"X-Source": []string{"by-method"}, "X-Only-Method": []string{"m"}},
	}
	def := http.Header{"X-Source": []string{"default"}, "X-Only-Default": []string{"d"}}
	caller := http.Header{"X-Source": []string{"caller"}}

	merged := mergeHeaders(http.MethodGet, caller, def, byMethod)

	assert.Equal(t, []string{"caller"}, merged.Values("X-Source"))
	assert.Equal(t, []string{"d"}, merged.Values("X-Only-Default"))
	assert.Equal(t, []string{"m"}, merged.Values("X-Only-Method"))
}

func TestMergeHeadersEmptyValueDeletes(t *testing.T) {
	def := http.Header{"X-Drop": []string{"present"}}
	caller := http.Header{"X-Drop": []string{""}}

	merged := mergeHeaders(http.MethodGet, caller, def, nil)
	assert.Empty(t, merged.Values("X-Drop"))
}

func TestMergeHeadersDeduplicatesValues(t *testing.T) {
	def := http.Header{"X-Multi": []string{"a", "b"}}
	caller := http.Header{"X-Multi": []string{"b", "c"}}

	merged := mergeHeaders(http.MethodGet, caller, def, nil)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, merged.Values("X-Multi"))
}
