package ports

// Compatible reports whether a value flowing from a source port of type src
// may be connected to a target port of type dst. Rules:
//
//   - any on either side is compatible with everything
//   - identical kinds (and contract names) are compatible
//   - declared per-target coercions admit their from-set
//   - lists are covariant on the element type
//
// Compile-time edge validation consults only this predicate; the runtime
// conversion itself happens in Coerce.
func (r *Registry) Compatible(src, dst Type) bool {
	if isAny(src) || isAny(dst) {
		return true
	}
	if Equals(src, dst) {
		return true
	}
	switch dst.Kind {
	case KindPrimitive:
		if src.Kind == KindPrimitive {
			return r.coercible(src.Primitive, dst.Primitive)
		}
		return false
	case KindList:
		// Covariant element rule. A scalar source feeding a list target is
		// not an edge-type match (the engine's fan-out handles the inverse:
		// list source into scalar input).
		if src.Kind == KindList && src.Elem != nil && dst.Elem != nil {
			return r.Compatible(*src.Elem, *dst.Elem)
		}
		return false
	case KindMap:
		if src.Kind == KindMap {
			return src.Primitive == dst.Primitive ||
				dst.Primitive == Any || src.Primitive == Any ||
				r.coercible(src.Primitive, dst.Primitive)
		}
		return false
	case KindContract:
		// Contracts match by name only; handled by Equals above.
		return false
	default:
		return false
	}
}

func isAny(t Type) bool {
	switch t.Kind {
	case KindPrimitive, KindMap:
		return t.Primitive == Any && t.Kind == KindPrimitive
	case KindList:
		return false
	default:
		return false
	}
}
