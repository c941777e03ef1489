// Package config loads process configuration files and resolves dotted
// paths into the merged document.
//
// Files may be TOML, YAML or JSON; the format follows the file extension.
// Later files are deep-merged over earlier ones: nested tables merge key by
// key, every other value is replaced.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var (
	ErrNotFound  = errors.New("config: value not found")
	ErrWrongType = errors.New("config: value has the wrong type")
)

type Format int

const (
	FormatJSON Format = iota
	FormatTOML
	FormatYAML
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatTOML:
		return "toml"
	case FormatYAML:
		return "yaml"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// FormatOf selects the decoder for path by its extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return 0, fmt.Errorf("config format unknown (%s)", path)
	}
}

// Decode parses one document into normalized values: tables become
// map[string]any, arrays []any, integers int64 and other numbers float64.
func Decode(format Format, data []byte) (map[string]any, error) {
	raw := map[string]any{}
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
	case FormatTOML:
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return nil, err
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		if raw == nil {
			raw = map[string]any{}
		}
	default:
		return nil, fmt.Errorf("config format unsupported: %s", format)
	}
	return normalizeMap(raw), nil
}

func LoadFile(path string) (map[string]any, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	doc, err := Decode(format, data)
	if err != nil {
		return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return doc, nil
}

// LoadFiles expands each glob pattern, sorted, and merges the files in
// order. A pattern matching nothing is an error. It returns the files read.
func LoadFiles(patterns ...string) (Tree, []string, error) {
	tree := Tree{}
	var loaded []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("config pattern invalid (%s): %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, nil, fmt.Errorf("config load failed (%s): %w", pattern, os.ErrNotExist)
		}
		sort.Strings(matches)
		for _, path := range matches {
			doc, err := LoadFile(path)
			if err != nil {
				return nil, nil, err
			}
			Merge(tree, doc)
			loaded = append(loaded, path)
		}
	}
	return tree, loaded, nil
}

// Merge folds src into dst. Tables present on both sides merge
// recursively; anything else in src replaces dst.
func Merge(dst, src map[string]any) {
	for k, v := range src {
		sv, srcTable := v.(map[string]any)
		dv, dstTable := dst[k].(map[string]any)
		if srcTable && dstTable {
			Merge(dv, sv)
			continue
		}
		dst[k] = v
	}
}

// Tree is a merged configuration document.
type Tree map[string]any

// Lookup resolves a dotted path such as "logging.stdout_level".
func (t Tree) Lookup(path string) (any, bool) {
	var cur any = map[string]any(t)
	for _, part := range strings.Split(path, ".") {
		table, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = table[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Has reports whether path resolves to a value.
func (t Tree) Has(path string) bool {
	_, ok := t.Lookup(path)
	return ok
}

func (t Tree) Value(path string) (any, error) {
	v, ok := t.Lookup(path)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, path)
	}
	return v, nil
}

func (t Tree) String(path string) (string, error) {
	v, err := t.Value(path)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", wrongType(path, "string", v)
	}
	return s, nil
}

// Int accepts integers and floats without a fractional part.
func (t Tree) Int(path string) (int64, error) {
	v, err := t.Value(path)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case float64:
		if n == float64(int64(n)) {
			return int64(n), nil
		}
	}
	return 0, wrongType(path, "integer", v)
}

func (t Tree) Bool(path string) (bool, error) {
	v, err := t.Value(path)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, wrongType(path, "bool", v)
	}
	return b, nil
}

// Section returns the table at path.
func (t Tree) Section(path string) (Tree, error) {
	v, err := t.Value(path)
	if err != nil {
		return nil, err
	}
	table, ok := v.(map[string]any)
	if !ok {
		return nil, wrongType(path, "table", v)
	}
	return Tree(table), nil
}

func (t Tree) StringOr(path, def string) string {
	if s, err := t.String(path); err == nil {
		return s
	}
	return def
}

func (t Tree) IntOr(path string, def int64) int64 {
	if n, err := t.Int(path); err == nil {
		return n
	}
	return def
}

func (t Tree) BoolOr(path string, def bool) bool {
	if b, err := t.Bool(path); err == nil {
		return b
	}
	return def
}

// Keys lists the keys of the table at path, sorted. An empty path lists the
// top level.
func (t Tree) Keys(path string) []string {
	table := t
	if path != "" {
		sec, err := t.Section(path)
		if err != nil {
			return nil
		}
		table = sec
	}
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func wrongType(path, want string, got any) error {
	return fmt.Errorf("%w: %q is %T, want %s", ErrWrongType, path, got, want)
}
