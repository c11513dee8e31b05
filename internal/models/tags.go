package models

import (
	"encoding/json"
	"slices"
)

// TagSet is a deduplicated set of tag labels. Insertion order is kept for
// display only; matching ignores order.
type TagSet struct {
	items []string
}

// NewTagSet builds a set from tags, dropping duplicates.
func NewTagSet(tags ...string) TagSet {
	var s TagSet
	for _, t := range tags {
		s.Add(t)
	}
	return s
}

// Add inserts tag and reports whether the set changed.
func (s *TagSet) Add(tag string) bool {
	if s.Contains(tag) {
		return false
	}
	s.items = append(slices.Clip(s.items), tag)
	return true
}

// Remove deletes tag and reports whether the set changed.
func (s *TagSet) Remove(tag string) bool {
	i := slices.Index(s.items, tag)
	if i < 0 {
		return false
	}
	s.items = slices.Delete(slices.Clone(s.items), i, i+1)
	return true
}

// Contains reports whether tag is in the set.
func (s TagSet) Contains(tag string) bool {
	return slices.Contains(s.items, tag)
}

// ContainsAll reports whether every required tag is present. An empty
// requirement matches any set.
func (s TagSet) ContainsAll(required TagSet) bool {
	for _, t := range required.items {
		if !s.Contains(t) {
			return false
		}
	}
	return true
}

// Len returns the number of tags.
func (s TagSet) Len() int { return len(s.items) }

// Slice returns a copy of the tags in insertion order. Never nil.
func (s TagSet) Slice() []string {
	out := make([]string, len(s.items))
	copy(out, s.items)
	return out
}

// MarshalJSON encodes the set as a JSON array, [] when empty.
func (s TagSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

// UnmarshalJSON decodes a JSON array, dropping duplicates.
func (s *TagSet) UnmarshalJSON(data []byte) error {
	var tags []string
	if err := json.Unmarshal(data, &tags); err != nil {
		return err
	}
	*s = NewTagSet(tags...)
	return nil
}
