package graph

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Origin tags a provenance object with the service it describes.
type Origin string

const (
	OriginKMS     Origin = "kms"
	OriginGateway Origin = "gateway"
	OriginApp     Origin = "app"
)

// Calculation declares how output fields of an object are derived from
// input fields. Func names the derivation (sha256, sha384, replay_rtmr, ...).
type Calculation struct {
	Inputs  []string `json:"inputs"`
	Func    string   `json:"calcFunc"`
	Outputs []string `json:"outputs"`
}

// MeasuredBy is a directed edge from the object holding it to the object
// (and field or calculation output) that vouches for it. The four addressing
// fields are independently combinable: FieldName/CalcOutputName address the
// measuring object, SelfFieldName/SelfCalcOutputName address the dependent
// object itself.
type MeasuredBy struct {
	ObjectID           string `json:"objectId"`
	FieldName          string `json:"fieldName,omitempty"`
	SelfFieldName      string `json:"selfFieldName,omitempty"`
	CalcOutputName     string `json:"calcOutputName,omitempty"`
	SelfCalcOutputName string `json:"selfCalcOutputName,omitempty"`
}

// Object is one named verification fact: a bag of fields plus the declared
// derivations and the edges pointing at whatever vouches for it.
type Object struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Origin       Origin         `json:"kind"`
	Fields       map[string]any `json:"fields"`
	Calculations []Calculation  `json:"calculations,omitempty"`
	MeasuredBy   []MeasuredBy   `json:"measuredBy,omitempty"`
}

// Graph holds every provenance object of one verification run. It is
// constructed per run and handed into each discipline; it is not safe for
// two overlapping runs sharing one instance.
type Graph struct {
	mu      sync.Mutex
	objects map[string]*Object
	order   []string
}

func New() *Graph {
	return &Graph{objects: make(map[string]*Object)}
}

// Reset drops every object. Called at the start of a verification run.
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.objects = make(map[string]*Object)
	g.order = nil
}

// Put inserts a new object or merges into an existing one with the same id.
// Merging updates name/description when non-empty and overwrites individual
// fields, but never removes calculations or relationships recorded earlier.
func (g *Graph) Put(obj Object) {
	g.mu.Lock()
	defer g.mu.Unlock()

	existing, ok := g.objects[obj.ID]
	if !ok {
		cp := obj
		if cp.Fields == nil {
			cp.Fields = make(map[string]any)
		}
		rels := cp.MeasuredBy
		cp.MeasuredBy = nil
		g.objects[obj.ID] = &cp
		g.order = append(g.order, obj.ID)
		for _, rel := range rels {
			g.addMeasuredByLocked(cp.ID, rel)
		}
		return
	}

	if obj.Name != "" {
		existing.Name = obj.Name
	}
	if obj.Description != "" {
		existing.Description = obj.Description
	}
	if obj.Origin != "" {
		existing.Origin = obj.Origin
	}
	for k, v := range obj.Fields {
		existing.Fields[k] = v
	}
	existing.Calculations = append(existing.Calculations, obj.Calculations...)
	for _, rel := range obj.MeasuredBy {
		g.addMeasuredByLocked(obj.ID, rel)
	}
}

// SetField updates a single field on an existing object. Unknown ids are a
// no-op: verification steps may race ahead of object creation when a
// discipline was skipped.
func (g *Graph) SetField(id, key string, value any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	obj, ok := g.objects[id]
	if !ok {
		return
	}
	obj.Fields[key] = value
}

// AddCalculation appends a declared derivation to an object.
func (g *Graph) AddCalculation(id string, c Calculation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	obj, ok := g.objects[id]
	if !ok {
		return
	}
	obj.Calculations = append(obj.Calculations, c)
}

// AddMeasuredBy links object id to the object named in rel. The edge is
// dropped when the target does not exist yet (no phantom targets) and is
// inserted at most once per unique addressing tuple.
func (g *Graph) AddMeasuredBy(id string, rel MeasuredBy) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addMeasuredByLocked(id, rel)
}

func (g *Graph) addMeasuredByLocked(id string, rel MeasuredBy) bool {
	obj, ok := g.objects[id]
	if !ok {
		return false
	}
	if _, ok := g.objects[rel.ObjectID]; !ok {
		return false
	}
	for _, have := range obj.MeasuredBy {
		if have == rel {
			return true
		}
	}
	obj.MeasuredBy = append(obj.MeasuredBy, rel)
	return true
}

// Get returns a deep-enough copy of the object to be safe for callers to
// inspect while the run continues.
func (g *Graph) Get(id string) (Object, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	obj, ok := g.objects[id]
	if !ok {
		return Object{}, false
	}
	return copyObject(obj), true
}

// Has reports whether an object exists.
func (g *Graph) Has(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.objects[id]
	return ok
}

// Objects returns all objects in insertion order.
func (g *Graph) Objects() []Object {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Object, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, copyObject(g.objects[id]))
	}
	return out
}

// Len returns the number of objects.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.order)
}

// MarshalJSON serializes the graph as the object list in insertion order.
func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.Objects())
}

func copyObject(obj *Object) Object {
	cp := *obj
	cp.Fields = make(map[string]any, len(obj.Fields))
	for k, v := range obj.Fields {
		cp.Fields[k] = v
	}
	cp.Calculations = append([]Calculation(nil), obj.Calculations...)
	cp.MeasuredBy = append([]MeasuredBy(nil), obj.MeasuredBy...)
	return cp
}

// FieldString returns a field rendered as a string, for report assembly.
func (o Object) FieldString(key string) string {
	v, ok := o.Fields[key]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}
