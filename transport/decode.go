package transport

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"encoding/csv"
	"encoding/json"
	"io"
	"strings"
)

// DecodeResult is what content sniffing produces. IsHTML flags bytes that
// look like an HTML error page where JSON was expected.
type DecodeResult struct {
	Value  interface{}
	IsHTML bool
}

// Decode implements the HTTP (and FTP "get") byte -> value contract: it
// never errors out for unrecognized content, falling back to the raw
// string.
func Decode(raw []byte, contentType string) (DecodeResult, error) {
	ct := strings.ToLower(contentType)

	if strings.Contains(ct, "gzip") {
		if r, err := gzip.NewReader(bytes.NewReader(raw)); err == nil {
			if unzipped, err := io.ReadAll(r); err == nil {
				raw = unzipped
			}
			r.Close()
		}
	} else if strings.Contains(ct, "deflate") {
		if r, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
			if inflated, err := io.ReadAll(r); err == nil {
				raw = inflated
			}
			r.Close()
		}
	}

	if isHTMLPrefix(raw) {
		return DecodeResult{Value: string(raw), IsHTML: true}, nil
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[' || strings.Contains(ct, "json")) {
		var v interface{}
		if err := json.Unmarshal(trimmed, &v); err == nil {
			return DecodeResult{Value: v}, nil
		}
	}

	if strings.Contains(ct, "csv") {
		records, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
		if err == nil && len(records) > 0 {
			return DecodeResult{Value: csvToMaps(records)}, nil
		}
	}

	return DecodeResult{Value: string(raw)}, nil
}

func isHTMLPrefix(raw []byte) bool {
	n := len(raw)
	if n > 1024 {
		n = 1024
	}
	prefix := strings.ToLower(strings.TrimSpace(string(raw[:n])))
	return strings.HasPrefix(prefix, "<!doctype html") || strings.HasPrefix(prefix, "<html")
}

func csvToMaps(records [][]string) []interface{} {
	if len(records) < 2 {
		return []interface{}{}
	}
	header := records[0]
	out := make([]interface{}, 0, len(records)-1)
	for _, row := range records[1:] {
		m := make(map[string]interface{}, len(header))
		for i, col := range header {
			if i < len(row) {
				m[col] = row[i]
			}
		}
		out = append(out, m)
	}
	return out
}
