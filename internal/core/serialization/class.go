// Package serialization guards the point where inbound payloads become typed
// values. The codec describes every type it is about to materialize with a
// Class descriptor and asks a Gate before doing so.
package serialization

import "strings"

const arraySuffix = "[]"

// Class describes a wire type. Component is set for array types, Super for
// types whose payload also carries the descriptor of a supertype.
type Class struct {
	Name      string
	Super     *Class
	Component *Class
	Primitive bool
}

// ArrayOf returns the array descriptor with the given component type.
func ArrayOf(component *Class) *Class {
	return &Class{Name: component.Name + arraySuffix, Component: component}
}

func (c *Class) IsArray() bool {
	return c.Component != nil
}

// Innermost unwraps every array dimension.
func (c *Class) Innermost() *Class {
	for c.Component != nil {
		c = c.Component
	}
	return c
}

// Walk visits c followed by its supertypes, in the order a stream presents
// their descriptors.
func Walk(c *Class, visit func(*Class) bool) {
	for ; c != nil; c = c.Super {
		if !visit(c) {
			return
		}
	}
}

// splitArray returns the base name and the number of array dimensions of a
// type tag such as "Double[][]".
func splitArray(tag string) (string, int) {
	dims := 0
	for strings.HasSuffix(tag, arraySuffix) {
		tag = strings.TrimSuffix(tag, arraySuffix)
		dims++
	}
	return tag, dims
}

// Primitive types, always permitted as array components.
var (
	Bool    = &Class{Name: "bool", Primitive: true}
	Int     = &Class{Name: "int", Primitive: true}
	Int64   = &Class{Name: "int64", Primitive: true}
	Float64 = &Class{Name: "float64", Primitive: true}
	Byte    = &Class{Name: "byte", Primitive: true}
	Str     = &Class{Name: "string", Primitive: true}
)
