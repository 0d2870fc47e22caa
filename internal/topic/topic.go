// Package topic validates and matches MQTT-style topic filters.
package topic

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	separator   = "/"
	singleLevel = "+"
	multiLevel  = "#"
)

// Match is a filter in a Set matching a topic name.
type Match struct {
	Filter string
	QoS    byte
}

// Set holds topic filters and matches concrete topic names against them.
// Exact filters live in a map, wildcard filters in a segment tree. All
// methods are safe for concurrent use.
type Set struct {
	mu        sync.RWMutex
	exact     map[string]byte
	wildcards *node
}

type node struct {
	isEnd    bool
	qos      byte
	children map[string]*node
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// NewSet creates an empty filter set.
func NewSet() *Set {
	return &Set{
		exact:     make(map[string]byte),
		wildcards: newNode(),
	}
}

// IsWildcard reports whether filter contains + or #.
func IsWildcard(filter string) bool {
	return strings.ContainsAny(filter, singleLevel+multiLevel)
}

// Add inserts filter with the given QoS, replacing any previous QoS.
func (s *Set) Add(filter string, qos byte) error {
	if err := ValidateFilter(filter); err != nil {
		return fmt.Errorf("invalid topic filter: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !IsWildcard(filter) {
		s.exact[filter] = qos
		return nil
	}

	current := s.wildcards
	for _, segment := range strings.Split(filter, separator) {
		next, ok := current.children[segment]
		if !ok {
			next = newNode()
			current.children[segment] = next
		}
		current = next
	}
	current.isEnd = true
	current.qos = qos
	return nil
}

// Remove deletes filter. Removing an unknown filter is an error.
func (s *Set) Remove(filter string) error {
	if err := ValidateFilter(filter); err != nil {
		return fmt.Errorf("invalid topic filter: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !IsWildcard(filter) {
		if _, ok := s.exact[filter]; !ok {
			return fmt.Errorf("filter %q not found", filter)
		}
		delete(s.exact, filter)
		return nil
	}
	return removeNode(s.wildcards, strings.Split(filter, separator), 0, filter)
}

func removeNode(n *node, segments []string, depth int, filter string) error {
	child, ok := n.children[segments[depth]]
	if !ok {
		return fmt.Errorf("filter %q not found", filter)
	}

	if depth == len(segments)-1 {
		if !child.isEnd {
			return fmt.Errorf("filter %q not found", filter)
		}
		child.isEnd = false
	} else if err := removeNode(child, segments, depth+1, filter); err != nil {
		return err
	}

	// prune empty branches
	if !child.isEnd && len(child.children) == 0 {
		delete(n.children, segments[depth])
	}
	return nil
}

// Match returns every filter matching the topic name. An exact filter,
// when present, is always first.
func (s *Set) Match(name string) []Match {
	matches := make([]Match, 0)
	if ValidateName(name) != nil {
		return matches
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if qos, ok := s.exact[name]; ok {
		matches = append(matches, Match{Filter: name, QoS: qos})
	}

	segments := strings.Split(name, separator)
	// Topics starting with $ are not matched by a leading wildcard.
	system := strings.HasPrefix(name, "$")
	matchNode(s.wildcards, segments, 0, "", system, &matches)
	return matches
}

// Matches reports whether any filter in the set matches the topic name.
func (s *Set) Matches(name string) bool {
	return len(s.Match(name)) > 0
}

func matchNode(n *node, segments []string, depth int, path string, system bool, matches *[]Match) {
	leading := depth == 0 && system

	// "a/#" also matches "a" itself
	if wc, ok := n.children[multiLevel]; ok && wc.isEnd && !leading {
		*matches = append(*matches, Match{Filter: join(path, multiLevel), QoS: wc.qos})
	}

	if depth == len(segments) {
		if n.isEnd && path != "" {
			*matches = append(*matches, Match{Filter: path, QoS: n.qos})
		}
		return
	}

	segment := segments[depth]
	if child, ok := n.children[segment]; ok {
		matchNode(child, segments, depth+1, join(path, segment), system, matches)
	}
	if child, ok := n.children[singleLevel]; ok && !leading {
		matchNode(child, segments, depth+1, join(path, singleLevel), system, matches)
	}
}

// Filters returns a copy of every filter with its QoS.
func (s *Set) Filters() map[string]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]byte, len(s.exact))
	for f, qos := range s.exact {
		out[f] = qos
	}
	collect(s.wildcards, "", out)
	return out
}

// List returns the filters sorted lexically.
func (s *Set) List() []string {
	filters := s.Filters()
	out := make([]string, 0, len(filters))
	for f := range filters {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func collect(n *node, path string, out map[string]byte) {
	if n.isEnd && path != "" {
		out[path] = n.qos
	}
	for segment, child := range n.children {
		collect(child, join(path, segment), out)
	}
}

// Len returns the number of filters.
func (s *Set) Len() int {
	return len(s.Filters())
}

// Clear removes all filters.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exact = make(map[string]byte)
	s.wildcards = newNode()
}

func join(path, segment string) string {
	if path == "" {
		return segment
	}
	return path + separator + segment
}

// ValidateFilter validates a subscription topic filter
func ValidateFilter(filter string) error {
	if filter == "" {
		return errors.New("topic cannot be empty")
	}
	if strings.ContainsRune(filter, 0) {
		return errors.New("topic must not contain NUL")
	}

	segments := strings.Split(filter, separator)
	for i, segment := range segments {
		// Allow empty segments for leading/trailing slashes
		if segment == "" && i != 0 && i != len(segments)-1 {
			return errors.New("empty segment not allowed in middle of topic")
		}

		if strings.Contains(segment, multiLevel) {
			if segment != multiLevel {
				return errors.New("# wildcard must occupy entire segment")
			}
			if i != len(segments)-1 {
				return errors.New("# wildcard must be the last segment")
			}
		}

		if strings.Contains(segment, singleLevel) && segment != singleLevel {
			return errors.New("+ wildcard must occupy entire segment")
		}
	}

	return nil
}

// ValidateName validates a publish topic name
func ValidateName(name string) error {
	if name == "" {
		return errors.New("topic cannot be empty")
	}
	if IsWildcard(name) {
		return errors.New("wildcards not allowed in topic names")
	}
	return nil
}
