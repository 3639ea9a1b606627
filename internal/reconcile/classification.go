package reconcile

import (
	"encoding/json"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Class names a ClassificationResult set.
type Class string

const (
	ClassMatched    Class = "matched"
	ClassNeighbors  Class = "neighbors"
	ClassOtherRooms Class = "other_rooms"
	ClassUnknowns   Class = "unknowns"
)

// ClassificationResult accumulates classified tags within a session. Asset sets are
// keyed by asset id, unknowns by raw tag; all keep insertion order.
type ClassificationResult struct {
	matched    *orderedmap.OrderedMap[string, Asset]
	neighbors  *orderedmap.OrderedMap[string, Asset]
	otherRooms *orderedmap.OrderedMap[string, Asset]
	unknowns   *orderedmap.OrderedMap[string, struct{}]

	// tags holds the RFID of every member, so dedup works on raw reads.
	tags map[string]struct{}
}

func NewClassificationResult() *ClassificationResult {
	return &ClassificationResult{
		matched:    orderedmap.New[string, Asset](),
		neighbors:  orderedmap.New[string, Asset](),
		otherRooms: orderedmap.New[string, Asset](),
		unknowns:   orderedmap.New[string, struct{}](),
		tags:       make(map[string]struct{}),
	}
}

func (r *ClassificationResult) assets(c Class) *orderedmap.OrderedMap[string, Asset] {
	switch c {
	case ClassMatched:
		return r.matched
	case ClassNeighbors:
		return r.neighbors
	case ClassOtherRooms:
		return r.otherRooms
	}
	return nil
}

// Add inserts asset into class unless an asset with the same id is already there.
func (r *ClassificationResult) Add(c Class, asset Asset) bool {
	set := r.assets(c)
	if set == nil {
		return false
	}
	if _, present := set.Get(asset.ID); present {
		return false
	}
	set.Set(asset.ID, asset)
	if asset.RFID != "" {
		r.tags[asset.RFID] = struct{}{}
	}
	return true
}

// AddUnknown inserts a raw tag into the unknowns set.
func (r *ClassificationResult) AddUnknown(tag string) bool {
	if _, present := r.unknowns.Get(tag); present {
		return false
	}
	r.unknowns.Set(tag, struct{}{})
	r.tags[tag] = struct{}{}
	return true
}

// Contains reports whether tag is already accounted for by any set.
func (r *ClassificationResult) Contains(tag string) bool {
	_, ok := r.tags[tag]
	return ok
}

// Merge adds every member of fragment that r does not have yet and returns those
// new members. Merging the same fragment again adds nothing.
func (r *ClassificationResult) Merge(fragment *ClassificationResult) *ClassificationResult {
	delta := NewClassificationResult()
	if fragment == nil {
		return delta
	}
	for _, c := range []Class{ClassMatched, ClassNeighbors, ClassOtherRooms} {
		for pair := fragment.assets(c).Oldest(); pair != nil; pair = pair.Next() {
			if r.Add(c, pair.Value) {
				delta.Add(c, pair.Value)
			}
		}
	}
	for pair := fragment.unknowns.Oldest(); pair != nil; pair = pair.Next() {
		if r.AddUnknown(pair.Key) {
			delta.AddUnknown(pair.Key)
		}
	}
	return delta
}

// Len returns the size of one class.
func (r *ClassificationResult) Len(c Class) int {
	if c == ClassUnknowns {
		return r.unknowns.Len()
	}
	if set := r.assets(c); set != nil {
		return set.Len()
	}
	return 0
}

// Empty reports whether no class has members.
func (r *ClassificationResult) Empty() bool {
	return r.matched.Len()+r.neighbors.Len()+r.otherRooms.Len()+r.unknowns.Len() == 0
}

// Classified is a plain, immutable copy of a ClassificationResult.
type Classified struct {
	Matched    []Asset  `json:"matched"`
	Neighbors  []Asset  `json:"neighbors"`
	OtherRooms []Asset  `json:"other_rooms"`
	Unknowns   []string `json:"unknowns"`
}

// View copies the sets out in insertion order.
func (r *ClassificationResult) View() Classified {
	return Classified{
		Matched:    values(r.matched),
		Neighbors:  values(r.neighbors),
		OtherRooms: values(r.otherRooms),
		Unknowns:   keys(r.unknowns),
	}
}

// Result builds a ClassificationResult from a plain copy, dropping duplicates.
func (c Classified) Result() *ClassificationResult {
	r := NewClassificationResult()
	for _, a := range c.Matched {
		r.Add(ClassMatched, a)
	}
	for _, a := range c.Neighbors {
		r.Add(ClassNeighbors, a)
	}
	for _, a := range c.OtherRooms {
		r.Add(ClassOtherRooms, a)
	}
	for _, t := range c.Unknowns {
		r.AddUnknown(t)
	}
	return r
}

func (r *ClassificationResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.View())
}

func (r *ClassificationResult) UnmarshalJSON(data []byte) error {
	var c Classified
	if err := json.Unmarshal(data, &c); err != nil {
		return err
	}
	*r = *c.Result()
	return nil
}

func values(m *orderedmap.OrderedMap[string, Asset]) []Asset {
	out := make([]Asset, 0, m.Len())
	for pair := m.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

func keys[V any](m *orderedmap.OrderedMap[string, V]) []string {
	out := make([]string, 0, m.Len())
	for pair := m.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}
