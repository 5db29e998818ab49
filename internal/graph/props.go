package graph

import (
	"fmt"
	"reflect"
	"sort"
)

// PropertySet is a deterministically-ordered string-keyed property bag.
// It backs rule/command "properties" fields, a transformer's
// requested-properties accumulators, and per-artifact install attributes.
//
// Ordering is maintained explicitly (map iteration order is not stable)
// so that two property sets with the same entries always hash and encode
// identically, which the rescue oracle and the graph-file persistence
// invariant both depend on.
type PropertySet struct {
	keys   []string
	values map[string]interface{}
}

func NewPropertySet() *PropertySet {
	return &PropertySet{values: make(map[string]interface{})}
}

func (p *PropertySet) Set(key string, value interface{}) {
	if p.values == nil {
		p.values = make(map[string]interface{})
	}
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
		sort.Strings(p.keys)
	}
	p.values[key] = value
}

func (p *PropertySet) Get(key string) (interface{}, bool) {
	if p == nil || p.values == nil {
		return nil, false
	}
	v, ok := p.values[key]
	return v, ok
}

func (p *PropertySet) GetString(key string) string {
	v, _ := p.Get(key)
	s, _ := v.(string)
	return s
}

func (p *PropertySet) GetBool(key string) bool {
	v, _ := p.Get(key)
	b, _ := v.(bool)
	return b
}

// Keys returns the sorted key list.
func (p *PropertySet) Keys() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.keys...)
}

// Merge adds other's keys into p, overwriting existing ones on conflict.
func (p *PropertySet) Merge(other *PropertySet) {
	if other == nil {
		return
	}
	for _, k := range other.Keys() {
		v, _ := other.Get(k)
		p.Set(k, v)
	}
}

// Clone returns a deep-enough copy for independent mutation.
func (p *PropertySet) Clone() *PropertySet {
	c := NewPropertySet()
	if p == nil {
		return c
	}
	for _, k := range p.keys {
		c.Set(k, p.values[k])
	}
	return c
}

// Equal reports structural equality, used by the rescue oracle.
func (p *PropertySet) Equal(other *PropertySet) bool {
	pKeys, oKeys := p.Keys(), other.Keys()
	if len(pKeys) != len(oKeys) {
		return false
	}
	for i, k := range pKeys {
		if oKeys[i] != k {
			return false
		}
		v1, _ := p.Get(k)
		v2, _ := other.Get(k)
		if !reflect.DeepEqual(v1, v2) {
			return false
		}
	}
	return true
}

// GobEncode/GobDecode make PropertySet encode deterministically (sorted
// key order) regardless of Go's randomized map iteration.
type propertySetWire struct {
	Keys   []string
	Values []interface{}
}

func (p *PropertySet) GobEncode() ([]byte, error) {
	w := propertySetWire{Keys: p.Keys()}
	for _, k := range w.Keys {
		v, _ := p.Get(k)
		w.Values = append(w.Values, v)
	}
	return gobEncode(w)
}

func (p *PropertySet) GobDecode(b []byte) error {
	var w propertySetWire
	if err := gobDecode(b, &w); err != nil {
		return err
	}
	p.keys = nil
	p.values = make(map[string]interface{})
	for i, k := range w.Keys {
		p.Set(k, w.Values[i])
	}
	return nil
}

func (p *PropertySet) String() string {
	return fmt.Sprintf("%v", p.values)
}
