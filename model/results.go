package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const levelKeyPrefix = "optimization_level_"

// LevelKey returns the result tree key for an optimization level.
func LevelKey(level int) string {
	return levelKeyPrefix + strconv.Itoa(level)
}

// ParseLevelKey is the inverse of LevelKey.
func ParseLevelKey(key string) (int, error) {
	if !strings.HasPrefix(key, levelKeyPrefix) {
		return 0, fmt.Errorf("invalid optimization level key %q", key)
	}
	level, err := strconv.Atoi(strings.TrimPrefix(key, levelKeyPrefix))
	if err != nil || level < 0 {
		return 0, fmt.Errorf("invalid optimization level key %q", key)
	}
	return level, nil
}

// EntryKey returns the key of a test's entry within a level.
func EntryKey(test string, target Target) string {
	return fmt.Sprintf("%s_%s", test, target)
}

// LevelResults holds the entries of one optimization level in insertion order.
type LevelResults struct {
	Level   int
	keys    []string
	entries map[string]Record
}

func newLevelResults(level int) *LevelResults {
	return &LevelResults{Level: level, entries: make(map[string]Record)}
}

// Set inserts or replaces an entry. Replacing keeps the original position.
func (l *LevelResults) Set(key string, r Record) {
	if _, exists := l.entries[key]; !exists {
		l.keys = append(l.keys, key)
	}
	l.entries[key] = r
}

// Get returns the entry stored under key.
func (l *LevelResults) Get(key string) (Record, bool) {
	r, ok := l.entries[key]
	return r, ok
}

// Keys returns the entry keys in insertion order.
func (l *LevelResults) Keys() []string {
	return append([]string(nil), l.keys...)
}

// Len returns the number of entries.
func (l *LevelResults) Len() int {
	return len(l.keys)
}

// ResultTree maps optimization levels to their test entries. Levels are kept
// in ascending order, entries in insertion order, so the JSON encoding is
// stable across runs.
type ResultTree struct {
	levels []*LevelResults
}

// NewResultTree returns an empty tree.
func NewResultTree() *ResultTree {
	return &ResultTree{}
}

// Level returns the results of a level, creating it if needed.
func (t *ResultTree) Level(level int) *LevelResults {
	idx := sort.Search(len(t.levels), func(i int) bool { return t.levels[i].Level >= level })
	if idx < len(t.levels) && t.levels[idx].Level == level {
		return t.levels[idx]
	}
	l := newLevelResults(level)
	t.levels = append(t.levels, nil)
	copy(t.levels[idx+1:], t.levels[idx:])
	t.levels[idx] = l
	return l
}

// Lookup returns the results of a level without creating it.
func (t *ResultTree) Lookup(level int) (*LevelResults, bool) {
	for _, l := range t.levels {
		if l.Level == level {
			return l, true
		}
	}
	return nil, false
}

// Set stores the record of a job.
func (t *ResultTree) Set(job Job, r Record) {
	t.Level(job.OptLevel).Set(job.Key(), r)
}

// Get returns the record of a job.
func (t *ResultTree) Get(job Job) (Record, bool) {
	l, ok := t.Lookup(job.OptLevel)
	if !ok {
		return Record{}, false
	}
	return l.Get(job.Key())
}

// Levels returns the optimization levels present, ascending.
func (t *ResultTree) Levels() []int {
	levels := make([]int, 0, len(t.levels))
	for _, l := range t.levels {
		levels = append(levels, l.Level)
	}
	return levels
}

// Len returns the total number of entries across all levels.
func (t *ResultTree) Len() int {
	n := 0
	for _, l := range t.levels {
		n += l.Len()
	}
	return n
}

// Failures returns the number of error records across all levels.
func (t *ResultTree) Failures() int {
	n := 0
	for _, l := range t.levels {
		for _, key := range l.keys {
			if l.entries[key].Failed() {
				n++
			}
		}
	}
	return n
}

func (t *ResultTree) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, l := range t.levels {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(LevelKey(l.Level))
		buf.Write(key)
		buf.WriteString(":{")
		for j, entryKey := range l.keys {
			if j > 0 {
				buf.WriteByte(',')
			}
			k, err := json.Marshal(entryKey)
			if err != nil {
				return nil, err
			}
			v, err := json.Marshal(l.entries[entryKey])
			if err != nil {
				return nil, fmt.Errorf("failed to marshal %s/%s: %w", LevelKey(l.Level), entryKey, err)
			}
			buf.Write(k)
			buf.WriteByte(':')
			buf.Write(v)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (t *ResultTree) UnmarshalJSON(data []byte) error {
	*t = ResultTree{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	if err := expectDelim(dec, '{'); err != nil {
		return err
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		levelKey, _ := tok.(string)
		level, err := ParseLevelKey(levelKey)
		if err != nil {
			return err
		}
		results := t.Level(level)

		if err := expectDelim(dec, '{'); err != nil {
			return err
		}
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return err
			}
			entryKey, _ := tok.(string)
			var r Record
			if err := dec.Decode(&r); err != nil {
				return fmt.Errorf("failed to decode %s/%s: %w", levelKey, entryKey, err)
			}
			results.Set(entryKey, r)
		}
		if err := expectDelim(dec, '}'); err != nil {
			return err
		}
	}
	return expectDelim(dec, '}')
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q in result tree, got %v", want, tok)
	}
	return nil
}
