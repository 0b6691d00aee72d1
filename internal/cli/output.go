package cli

import (
	"encoding/json"
	"io"
	"strconv"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// emit writes v as indented JSON in --json mode and as YAML otherwise.
func emit(w io.Writer, f *rootFlags, v any) error {
	if f.jsonMode {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// parseValues decodes a JSON object of attribute values.
func parseValues(arg string) (map[string]any, error) {
	var values map[string]any
	if err := json.Unmarshal([]byte(arg), &values); err != nil {
		return nil, usageError("values must be a JSON object: %v", err)
	}
	return values, nil
}

// parseIDs decodes positive integer ids.
func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id <= 0 {
			return nil, usageError("invalid id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// parseCondition decodes "field op value"; value is read as JSON when it
// parses, as a plain string otherwise.
func parseCondition(field, op, raw string) (string, string, any) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		v = raw
	}
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		v = cast.ToInt64(f)
	}
	return field, op, v
}
