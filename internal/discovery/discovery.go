// Package discovery reads the topic filter sets proposed by the offline
// topic discovery run. The file is a YAML mapping of broker id to a list
// of topic filters:
//
//	hivemq:
//	  - "#"
//	mosquitto:
//	  - "devices/+/status"
//	  - "home/#"
package discovery

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"mqtt-capture/internal/topic"
)

// FilterSet maps broker id to topic filters.
type FilterSet map[string][]string

// Load reads and validates a filter set file.
func Load(path string) (FilterSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topic filter file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML filter set.
func Parse(data []byte) (FilterSet, error) {
	var fs FilterSet
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return nil, fmt.Errorf("failed to parse topic filter file: %w", err)
	}
	for id, filters := range fs {
		if id == "" {
			return nil, fmt.Errorf("topic filter file: empty broker id")
		}
		for _, f := range filters {
			if err := topic.ValidateFilter(f); err != nil {
				return nil, fmt.Errorf("topic filter file: broker %s: filter %q: %w", id, f, err)
			}
		}
	}
	return fs, nil
}

// Brokers returns the broker ids present in the set, sorted.
func (fs FilterSet) Brokers() []string {
	ids := make([]string, 0, len(fs))
	for id := range fs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Merge returns base extended with the discovered filters for id.
// Order is preserved and duplicates are removed.
func (fs FilterSet) Merge(id string, base []string) []string {
	seen := make(map[string]struct{}, len(base)+len(fs[id]))
	out := make([]string, 0, len(base)+len(fs[id]))
	for _, list := range [][]string{base, fs[id]} {
		for _, f := range list {
			if _, dup := seen[f]; dup {
				continue
			}
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	return out
}
