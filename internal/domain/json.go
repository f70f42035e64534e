package domain

import (
	"encoding/json"
	"strings"
)

// The media/buttons/options columns hold raw JSON text authored by the admin
// interface. Empty strings count as the field's default so half-filled forms
// and CSV rows do not block validation.

func ParseMedia(raw string) ([]MediaItem, error) {
	if strings.TrimSpace(raw) == "" {
		return []MediaItem{}, nil
	}
	var items []MediaItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, err
	}
	if items == nil {
		items = []MediaItem{}
	}
	return items, nil
}

func ParseButtons(raw string) ([]Button, error) {
	if strings.TrimSpace(raw) == "" {
		return []Button{}, nil
	}
	var items []Button
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, err
	}
	if items == nil {
		items = []Button{}
	}
	return items, nil
}

func ParseOptions(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var opts map[string]any
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = map[string]any{}
	}
	return opts, nil
}

// BoolOption reads a recognized boolean option, tolerating absent keys and
// non-boolean junk.
func BoolOption(opts map[string]any, key string) bool {
	v, ok := opts[key]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "1" || s == "true" || s == "yes"
	default:
		return false
	}
}
