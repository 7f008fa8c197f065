// Package automap holds the auto-mapper rule store and its on-disk
// formats. Rules are named tile-substitution recipes; editors reference
// them by name and supply the payload on demand when the server does not
// have a rule loaded (the rule-fetch handshake).
//
// The substitution pass itself is intentionally minimal; the full rule
// engine lives with the editor, the server only needs enough to replay
// a rule deterministically.
package automap

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownFormat = errors.New("automap: unknown rule file format")
	ErrInvalidRule   = errors.New("automap: invalid rule")
)

// Entry replaces matching tile indexes. Chance is a percentage; zero
// means always.
type Entry struct {
	Match  uint8 `json:"match" yaml:"match"`
	Place  uint8 `json:"place" yaml:"place"`
	Chance int   `json:"chance,omitempty" yaml:"chance,omitempty"`
}

// Rule is one named auto-mapper rule.
type Rule struct {
	Name    string  `json:"name" yaml:"name"`
	Entries []Entry `json:"entries" yaml:"entries"`
}

// ruleSchema validates JSON rule files. YAML rules go through the struct
// decoder with KnownFields instead.
const ruleSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["name", "entries"],
	"additionalProperties": false,
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"entries": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["match", "place"],
				"additionalProperties": false,
				"properties": {
					"match": {"type": "integer", "minimum": 0, "maximum": 255},
					"place": {"type": "integer", "minimum": 0, "maximum": 255},
					"chance": {"type": "integer", "minimum": 0, "maximum": 100}
				}
			}
		}
	}
}`

var compiledSchema = jsonschema.MustCompileString("rule.schema.json", ruleSchema)

// ParseJSON parses and schema-validates a JSON rule payload.
func ParseJSON(data []byte) (*Rule, error) {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if err := compiledSchema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	var rule Rule
	if err := json.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return &rule, nil
}

// ParseYAML parses a YAML rule file.
func ParseYAML(data []byte) (*Rule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var rule Rule
	if err := dec.Decode(&rule); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if rule.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrInvalidRule)
	}
	return &rule, nil
}

// ParseFile parses a rule file by extension.
func ParseFile(path string) (*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".json":
		return ParseJSON(data)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, filepath.Base(path))
}

// Encode returns the JSON wire form of a rule, as carried in the
// rule-fetch handshake.
func (r *Rule) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Store is the server-side rule registry. Safe for concurrent use; the
// live-reload watcher writes while the server update loop reads.
type Store struct {
	mu    sync.RWMutex
	rules map[string]*Rule
}

func NewStore() *Store {
	return &Store{rules: make(map[string]*Rule)}
}

// LoadDir loads every rule file in dir. Unparseable files are skipped and
// reported; a missing dir is not an error (the server then relies purely
// on client-supplied rules).
func (s *Store) LoadDir(dir string) (loaded int, errs []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, []error{fmt.Errorf("read rule dir: %w", err)}
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		rule, err := ParseFile(filepath.Join(dir, e.Name()))
		if err != nil {
			if !errors.Is(err, ErrUnknownFormat) {
				errs = append(errs, err)
			}
			continue
		}
		s.Put(rule)
		loaded++
	}
	return loaded, errs
}

// Lookup returns the named rule.
func (s *Store) Lookup(name string) (*Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[name]
	return r, ok
}

// Put registers (or replaces) a rule under its name.
func (s *Store) Put(rule *Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.Name] = rule
}

// Names returns the registered rule names.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.rules))
	for n := range s.rules {
		names = append(names, n)
	}
	return names
}
