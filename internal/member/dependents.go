package member

import "gymtrack/internal/apperr"

// FindDependent locates a dependent by id.
func FindDependent(deps []Dependent, id string) (Dependent, int, bool) {
	for i, d := range deps {
		if d.ID == id {
			return d, i, true
		}
	}
	return Dependent{}, -1, false
}

// AddDependent returns a new list with d appended.
func AddDependent(deps []Dependent, d Dependent) ([]Dependent, error) {
	if _, _, ok := FindDependent(deps, d.ID); ok {
		return nil, apperr.Conflict("dependent " + d.ID + " already exists")
	}
	out := make([]Dependent, 0, len(deps)+1)
	out = append(out, deps...)
	return append(out, d), nil
}

// ReplaceDependent returns a new list where the dependent with d's id is d.
func ReplaceDependent(deps []Dependent, d Dependent) ([]Dependent, error) {
	_, idx, ok := FindDependent(deps, d.ID)
	if !ok {
		return nil, apperr.NotFound("dependent " + d.ID + " not found")
	}
	out := make([]Dependent, len(deps))
	copy(out, deps)
	out[idx] = d
	return out, nil
}

// RemoveDependent returns a new list without the dependent id.
func RemoveDependent(deps []Dependent, id string) ([]Dependent, error) {
	_, idx, ok := FindDependent(deps, id)
	if !ok {
		return nil, apperr.NotFound("dependent " + id + " not found")
	}
	out := make([]Dependent, 0, len(deps)-1)
	out = append(out, deps[:idx]...)
	return append(out, deps[idx+1:]...), nil
}
