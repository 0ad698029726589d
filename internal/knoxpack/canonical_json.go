package knoxpack

import (
	"bytes"
	"encoding/json"
	"sort"
)

// canonicalJSON re-encodes v (already json.Marshal-able) with map keys
// sorted ascending, no extraneous whitespace, and no ASCII-escaping of
// non-ASCII bytes — the same canonical_json contract pkg/contracts and
// pkg/profiles each implement independently for their own hashing needs.
// json.Marshal on a fixed struct is already deterministic (field order is
// the struct's declared order), but input_manifest is hashed as the
// fingerprinting boundary the whole compile idempotency guarantee rests
// on, so this walks the decoded tree explicitly rather than relying on
// that implicit guarantee.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(x.String())
	case string:
		return encodeCanonicalString(buf, x)
	case []any:
		buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonicalString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encodeCanonical(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}

// encodeCanonicalString writes s through encoding/json's own string
// encoder (for quoting/escaping correctness) but with HTML-escaping
// disabled, since the encoder is the one part of encoding/json that
// escapes non-ASCII-adjacent characters (<, >, &) beyond what the spec's
// canonical form wants.
func encodeCanonicalString(buf *bytes.Buffer, s string) error {
	var inner bytes.Buffer
	enc := json.NewEncoder(&inner)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	buf.Write(bytes.TrimRight(inner.Bytes(), "\n"))
	return nil
}
