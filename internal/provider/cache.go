package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
)

// transportCache holds cached transport instances keyed by a deterministic
// hash of (provider_id, api_endpoint, sorted(auth values), factory_options).
// Grounded on SPEC_FULL.md §4.4(4): no original code builds this — the
// original rebuilds providers per factory call — so this is a fresh
// implementation using sync.Map as its backing store, consistent with the
// concurrency model's "mutex-guarded map" shared-resource policy.
type transportCache struct {
	instances sync.Map // string -> any
}

func newTransportCache() *transportCache {
	return &transportCache{}
}

func (c *transportCache) get(key string) (any, bool) {
	v, ok := c.instances.Load(key)
	return v, ok
}

func (c *transportCache) set(key string, instance any) {
	c.instances.Store(key, instance)
}

// transportCacheKey computes the cache key for reg+auth per spec.md §4.4(4).
func transportCacheKey(reg ProviderRegistration, auth ResolvedAuth) string {
	values := make([]string, 0, len(auth.Values))
	for k, v := range auth.Values {
		values = append(values, k+"="+v)
	}
	sort.Strings(values)

	endpoint := ""
	if reg.APIEndpoint != nil {
		endpoint = *reg.APIEndpoint
	}

	optionsHash := hashFactoryOptions(reg.FactoryOptions)

	h := sha256.New()
	h.Write([]byte(reg.ID))
	h.Write([]byte{0})
	h.Write([]byte(endpoint))
	h.Write([]byte{0})
	for _, v := range values {
		h.Write([]byte(v))
		h.Write([]byte{0})
	}
	h.Write([]byte(optionsHash))
	return hex.EncodeToString(h.Sum(nil))
}

func hashFactoryOptions(options any) string {
	if options == nil {
		return ""
	}
	b, err := json.Marshal(options)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
