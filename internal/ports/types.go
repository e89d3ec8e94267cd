// Package ports defines the canonical type system for node inputs and
// outputs: primitive port types, named contracts, list/map constructors,
// compatibility rules, and runtime coercions.
package ports

import (
	"fmt"
	"strings"
)

type Kind string

const (
	KindPrimitive Kind = "primitive"
	KindContract  Kind = "contract"
	KindList      Kind = "list"
	KindMap       Kind = "map"
)

type Primitive string

const (
	Any     Primitive = "any"
	Text    Primitive = "text"
	Secret  Primitive = "secret"
	Number  Primitive = "number"
	Boolean Primitive = "boolean"
	File    Primitive = "file"
	JSON    Primitive = "json"
)

// Type is a port type. Exactly one of the variant fields is meaningful for a
// given Kind: Primitive for KindPrimitive and KindMap (the map value type),
// Contract for KindContract, Elem for KindList.
type Type struct {
	Kind      Kind      `json:"kind"`
	Primitive Primitive `json:"primitive,omitempty"`
	Contract  string    `json:"contract,omitempty"`
	Elem      *Type     `json:"elem,omitempty"`
}

func Prim(p Primitive) Type {
	return Type{Kind: KindPrimitive, Primitive: p}
}

func Contract(name string) Type {
	return Type{Kind: KindContract, Contract: strings.TrimSpace(name)}
}

func ListOf(elem Type) Type {
	e := elem
	return Type{Kind: KindList, Elem: &e}
}

// MapOf is a map of string to the given primitive value type.
func MapOf(value Primitive) Type {
	return Type{Kind: KindMap, Primitive: value}
}

// Zero reports whether t is the zero Type (no kind set).
func (t Type) Zero() bool { return t.Kind == "" }

// IsList reports whether t is a list type.
func (t Type) IsList() bool { return t.Kind == KindList }

// ElemType returns the element type of a list, or the zero Type.
func (t Type) ElemType() Type {
	if t.Kind != KindList || t.Elem == nil {
		return Type{}
	}
	return *t.Elem
}

// Equals is structural equality of port types.
func Equals(a, b Type) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindPrimitive, KindMap:
		return a.Primitive == b.Primitive
	case KindContract:
		return a.Contract == b.Contract
	case KindList:
		ae, be := a.Elem, b.Elem
		if ae == nil || be == nil {
			return ae == be
		}
		return Equals(*ae, *be)
	default:
		return false
	}
}

// Describe produces a stable human label for a port type, e.g. "text",
// "list<llm.provider.v1>", "map<string,number>".
func Describe(t Type) string {
	switch t.Kind {
	case KindPrimitive:
		return string(t.Primitive)
	case KindContract:
		return t.Contract
	case KindList:
		if t.Elem == nil {
			return "list<?>"
		}
		return "list<" + Describe(*t.Elem) + ">"
	case KindMap:
		return fmt.Sprintf("map<string,%s>", t.Primitive)
	default:
		return "unknown"
	}
}

// ParsePrimitive maps a primitive name to its Primitive, or false.
func ParsePrimitive(s string) (Primitive, bool) {
	switch Primitive(strings.ToLower(strings.TrimSpace(s))) {
	case Any:
		return Any, true
	case Text:
		return Text, true
	case Secret:
		return Secret, true
	case Number:
		return Number, true
	case Boolean:
		return Boolean, true
	case File:
		return File, true
	case JSON:
		return JSON, true
	default:
		return "", false
	}
}
