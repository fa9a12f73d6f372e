package fabric

import "strconv"

// setDotted writes val at the dotted path denoted by segs within root,
// creating intermediate maps or slices as needed. A numeric path segment
// constructs a []any slot rather than a map, per the dotted-path convention
// described for proxy materialization.
func setDotted(root Schema, path string, val any) Schema {
	segs := splitDotted(path)
	if len(segs) == 0 {
		return root
	}
	return place(root, segs, val).(Schema)
}

func splitDotted(path string) []string {
	if path == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			out = append(out, path[start:i])
			start = i + 1
		}
	}
	return append(out, path[start:])
}

// place sets val at segs within container, returning the (possibly new)
// container value that the caller must store back into its own parent.
func place(container any, segs []string, val any) any {
	key := segs[0]

	switch c := container.(type) {
	case Schema:
		if len(segs) == 1 {
			c[key] = val
			return c
		}
		c[key] = place(c[key], segs[1:], val)
		return c

	case map[string]any:
		if len(segs) == 1 {
			c[key] = val
			return c
		}
		c[key] = place(c[key], segs[1:], val)
		return c

	case []any:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 {
			// A non-numeric segment against an existing array is a schema
			// mismatch; fall back to treating the array as opaque and
			// overwrite it with a fresh map.
			return place(Schema{}, segs, val)
		}
		for len(c) <= idx {
			c = append(c, nil)
		}
		if len(segs) == 1 {
			c[idx] = val
			return c
		}
		c[idx] = place(c[idx], segs[1:], val)
		return c

	default:
		// container is nil (or an opaque leaf being overwritten): decide
		// whether to build an array or a map from the next segment.
		if _, err := strconv.Atoi(key); err == nil {
			return place([]any{}, segs, val)
		}
		return place(Schema{}, segs, val)
	}
}

// getDotted reads the value at the dotted path within root, reporting
// whether a value was present at that path.
func getDotted(root Schema, path string) (any, bool) {
	segs := splitDotted(path)
	var cur any = root
	for _, seg := range segs {
		switch c := cur.(type) {
		case Schema:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, false
			}
			cur = c[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
