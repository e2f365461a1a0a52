// Package opio provides the data exchange unit passed between pipeline stages.
//
// An OPIO maps named channels to sets of paths. Each stage receives an OPIO,
// and returns a fresh one describing what it produced. OPIO values are never
// shared mutably: Set stores a clone and Clone gives callers their own copy.
package opio

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrKeyNotFound is returned by Get when a channel is not present.
var ErrKeyNotFound = errors.New("channel not found")

// OPIO maps channel names to path sets.
type OPIO struct {
	channels map[string]PathSet
}

// New creates an empty OPIO.
func New() OPIO {
	return OPIO{channels: make(map[string]PathSet)}
}

// From creates an OPIO from a map of channels. The map is copied.
func From(channels map[string]PathSet) OPIO {
	o := New()
	for k, v := range channels {
		o.Set(k, v)
	}
	return o
}

// Set replaces the value of a channel. Paths are normalized and the set is copied.
// Passing a nil set declares the channel without a value.
func (o *OPIO) Set(key string, paths PathSet) {
	if o.channels == nil {
		o.channels = make(map[string]PathSet)
	}
	if paths == nil {
		o.channels[key] = nil
		return
	}
	normalized := make(PathSet, len(paths))
	for p := range paths {
		normalized.Add(p)
	}
	o.channels[key] = normalized
}

// Get returns the path set of a channel.
// It fails with ErrKeyNotFound if the channel has never been set.
func (o OPIO) Get(key string) (PathSet, error) {
	v, ok := o.channels[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	return v.Clone(), nil
}

// Has reports whether the channel is present, even with a nil value.
func (o OPIO) Has(key string) bool {
	_, ok := o.channels[key]
	return ok
}

// Keys returns channel names in sorted order.
func (o OPIO) Keys() []string {
	keys := make([]string, 0, len(o.channels))
	for k := range o.channels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of channels.
func (o OPIO) Len() int {
	return len(o.channels)
}

// ChannelEqual reports whether the channel key holds the same set in both OPIOs.
// A channel missing from either side is never equal.
func (o OPIO) ChannelEqual(key string, other OPIO) bool {
	a, okA := o.channels[key]
	b, okB := other.channels[key]
	if !okA || !okB {
		return false
	}
	return a.Equal(b)
}

// Equal reports whether both OPIOs have the same channels holding equal sets.
func (o OPIO) Equal(other OPIO) bool {
	if len(o.channels) != len(other.channels) {
		return false
	}
	for k := range o.channels {
		if !o.ChannelEqual(k, other) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (o OPIO) Clone() OPIO {
	out := New()
	for k, v := range o.channels {
		out.channels[k] = v.Clone()
	}
	return out
}

// MarshalJSON encodes channels as sorted path lists; nil channels encode as null.
func (o OPIO) MarshalJSON() ([]byte, error) {
	m := make(map[string][]string, len(o.channels))
	for k, v := range o.channels {
		if v == nil {
			m[k] = nil
			continue
		}
		m[k] = v.Sorted()
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes the form produced by MarshalJSON.
func (o *OPIO) UnmarshalJSON(data []byte) error {
	var m map[string][]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	o.channels = make(map[string]PathSet, len(m))
	for k, v := range m {
		if v == nil {
			o.channels[k] = nil
			continue
		}
		o.channels[k] = NewPathSet(v...)
	}
	return nil
}

// String renders the OPIO for log output.
func (o OPIO) String() string {
	data, err := o.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("opio(%d channels)", o.Len())
	}
	return string(data)
}
