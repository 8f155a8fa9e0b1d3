package reqpipe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"net/url"
	"sort"
	"strings"
)

const keySeparator = "&"

// Canonicalize derives the key used for caching and de-duplication. Two descriptors
// with the same method, path, query parameters and body produce the same key; any
// difference, including in the body alone, produces a different one.
//
// Query parameters are merged from an inline "?..." in URL and from Query, then
// sorted, so their order and location do not matter. JSON bodies, including JSON
// passed as a string, are compared by value rather than by formatting.
func Canonicalize(d *Descriptor) string {
	path, query := splitQuery(d.URL, d.Query)

	var b strings.Builder
	b.WriteString(strings.ToUpper(d.Method))
	b.WriteString(keySeparator)
	b.WriteString(path)
	b.WriteString(keySeparator)
	b.WriteString(query)
	b.WriteString(keySeparator)
	b.WriteString(bodyDigest(d.Body))
	return b.String()
}

// splitQuery separates an inline query from raw and merges it with extra into one
// sorted encoding. An unparsable inline query is kept verbatim in the path.
func splitQuery(raw string, extra url.Values) (string, string) {
	path, inline, found := strings.Cut(raw, "?")
	if !found {
		return raw, extra.Encode()
	}
	merged, err := url.ParseQuery(inline)
	if err != nil {
		return raw, extra.Encode()
	}
	for k, vs := range extra {
		merged[k] = append(merged[k], vs...)
	}
	return path, merged.Encode()
}

func bodyDigest(body any) string {
	if body == nil {
		return ""
	}

	h := sha256.New()
	switch v := body.(type) {
	case []byte:
		h.Write(v)
	case string:
		if json.Valid([]byte(v)) {
			writeNormalizedJSON(h, json.RawMessage(v))
		} else {
			io.WriteString(h, v)
		}
	case json.RawMessage:
		writeNormalizedJSON(h, v)
	case *Multipart:
		if v == nil {
			return ""
		}
		v.digest(h)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			fmt.Fprintf(h, "%#v", v)
		} else {
			h.Write(data)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeNormalizedJSON re-encodes raw JSON so object member order does not matter.
func writeNormalizedJSON(h hash.Hash, raw json.RawMessage) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		h.Write(raw)
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		h.Write(raw)
		return
	}
	h.Write(data)
}

func (m *Multipart) digest(h hash.Hash) {
	names := make([]string, 0, len(m.Fields))
	for k := range m.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(h, "f:%s=%s;", k, m.Fields[k])
	}
	for _, f := range m.Files {
		sum := sha256.Sum256(f.Data)
		fmt.Fprintf(h, "file:%s:%s:%x;", f.Field, f.FileName, sum)
	}
}
