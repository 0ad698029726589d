package policy

import (
	"bytes"
	"encoding/json"
)

// toJSONCompatible round-trips a yaml.v3-decoded value through encoding/json
// so every number becomes a json.Number and every mapping becomes
// map[string]any — the shape pkg/profiles and pkg/contracts expect. yaml.v3
// already decodes mappings as map[string]any (unlike yaml.v2), so this is
// purely a numeric-type normalization pass.
func toJSONCompatible(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
