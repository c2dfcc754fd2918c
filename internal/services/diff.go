package services

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"
)

// Change is a value replaced at one path.
type Change struct {
	Old interface{} `json:"old"`
	New interface{} `json:"new"`
}

// Diff is a structural difference keyed by dotted path. Lists whose items are objects
// with distinct names (actions) are matched by name under "path[name]"; other lists
// are compared as multisets and their added/removed items collected under "path[]".
type Diff struct {
	Added   map[string]interface{} `json:"added"`
	Removed map[string]interface{} `json:"removed"`
	Changed map[string]Change      `json:"changed"`
}

type ChangeSummary struct {
	ValuesChanged int `json:"values_changed"`
	ItemsAdded    int `json:"items_added"`
	ItemsRemoved  int `json:"items_removed"`
}

func newDiff() Diff {
	return Diff{
		Added:   map[string]interface{}{},
		Removed: map[string]interface{}{},
		Changed: map[string]Change{},
	}
}

func (d Diff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Summary counts changed values and added/removed entries, counting list items individually.
func (d Diff) Summary() ChangeSummary {
	s := ChangeSummary{ValuesChanged: len(d.Changed)}
	for k, v := range d.Added {
		s.ItemsAdded += itemCount(k, v)
	}
	for k, v := range d.Removed {
		s.ItemsRemoved += itemCount(k, v)
	}
	return s
}

// itemCount works on both fresh and stored diffs, where list items decode as []interface{}.
func itemCount(key string, v interface{}) int {
	if !strings.HasSuffix(key, "[]") {
		return 1
	}
	switch items := v.(type) {
	case listItems:
		return len(items)
	case []interface{}:
		return len(items)
	}
	return 1
}

// listItems marks values collected from a multiset comparison.
type listItems []interface{}

// ToMap renders the diff as plain JSON-compatible data for storage.
func (d Diff) ToMap() map[string]interface{} {
	var out map[string]interface{}
	b, err := json.Marshal(d)
	if err != nil {
		return map[string]interface{}{}
	}
	_ = json.Unmarshal(b, &out)
	return out
}

// ComputeDiff compares two JSON-shaped documents. Inputs are normalized through
// encoding/json so structs and typed maps compare like their decoded forms.
func ComputeDiff(oldDoc, newDoc interface{}) Diff {
	d := newDiff()
	diffValue("", normalizeJSON(oldDoc), normalizeJSON(newDoc), &d)
	return d
}

func normalizeJSON(v interface{}) interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	if out == nil {
		return map[string]interface{}{}
	}
	return out
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func diffValue(path string, oldV, newV interface{}, d *Diff) {
	oldMap, oldIsMap := oldV.(map[string]interface{})
	newMap, newIsMap := newV.(map[string]interface{})
	if oldIsMap && newIsMap {
		diffMaps(path, oldMap, newMap, d)
		return
	}

	oldList, oldIsList := oldV.([]interface{})
	newList, newIsList := newV.([]interface{})
	if oldIsList && newIsList {
		diffLists(path, oldList, newList, d)
		return
	}

	if !reflect.DeepEqual(oldV, newV) {
		d.Changed[path] = Change{Old: oldV, New: newV}
	}
}

func diffMaps(path string, oldMap, newMap map[string]interface{}, d *Diff) {
	keys := make([]string, 0, len(oldMap)+len(newMap))
	for k := range oldMap {
		keys = append(keys, k)
	}
	for k := range newMap {
		if _, ok := oldMap[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		p := joinPath(path, k)
		oldV, inOld := oldMap[k]
		newV, inNew := newMap[k]
		switch {
		case inOld && !inNew:
			d.Removed[p] = oldV
		case !inOld && inNew:
			d.Added[p] = newV
		default:
			diffValue(p, oldV, newV, d)
		}
	}
}

func diffLists(path string, oldList, newList []interface{}, d *Diff) {
	oldByName, okOld := namedItems(oldList)
	newByName, okNew := namedItems(newList)
	if okOld && okNew {
		diffNamed(path, oldByName, newByName, d)
		return
	}
	diffMultiset(path, oldList, newList, d)
}

// namedItems indexes list items by their "name" field. ok is false unless every item
// is an object with a distinct non-empty name.
func namedItems(list []interface{}) (map[string]interface{}, bool) {
	byName := make(map[string]interface{}, len(list))
	for _, item := range list {
		m, isMap := item.(map[string]interface{})
		if !isMap {
			return nil, false
		}
		name, _ := m["name"].(string)
		if name == "" {
			return nil, false
		}
		if _, dup := byName[name]; dup {
			return nil, false
		}
		byName[name] = item
	}
	return byName, true
}

func diffNamed(path string, oldByName, newByName map[string]interface{}, d *Diff) {
	names := make([]string, 0, len(oldByName)+len(newByName))
	for n := range oldByName {
		names = append(names, n)
	}
	for n := range newByName {
		if _, ok := oldByName[n]; !ok {
			names = append(names, n)
		}
	}
	sort.Strings(names)

	for _, n := range names {
		p := path + "[" + n + "]"
		oldV, inOld := oldByName[n]
		newV, inNew := newByName[n]
		switch {
		case inOld && !inNew:
			d.Removed[p] = oldV
		case !inOld && inNew:
			d.Added[p] = newV
		default:
			diffValue(p, oldV, newV, d)
		}
	}
}

// diffMultiset compares items by canonical JSON, ignoring order and honouring duplicates.
func diffMultiset(path string, oldList, newList []interface{}, d *Diff) {
	remaining := make(map[string]int, len(oldList))
	for _, item := range oldList {
		remaining[canonical(item)]++
	}

	var added listItems
	for _, item := range newList {
		key := canonical(item)
		if remaining[key] > 0 {
			remaining[key]--
			continue
		}
		added = append(added, item)
	}

	var removed listItems
	for _, item := range oldList {
		key := canonical(item)
		if remaining[key] > 0 {
			remaining[key]--
			removed = append(removed, item)
		}
	}

	p := path + "[]"
	if len(added) > 0 {
		d.Added[p] = added
	}
	if len(removed) > 0 {
		d.Removed[p] = removed
	}
}

// canonical relies on encoding/json sorting map keys.
func canonical(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
