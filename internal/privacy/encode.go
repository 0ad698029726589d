package privacy

import (
	"encoding/json"
	"sort"
)

// canonicalMetadataJSON renders GuardedMetadata as a sorted-key JSON object
// so two events built from the same metadata are byte-identical regardless
// of map iteration order.
func canonicalMetadataJSON(m GuardedMetadata) (json.RawMessage, error) {
	vals := m.Values()
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]struct {
		K string `json:"k"`
		V string `json:"v"`
	}, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, struct {
			K string `json:"k"`
			V string `json:"v"`
		}{K: k, V: vals[k]})
	}
	b, err := json.Marshal(ordered)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
