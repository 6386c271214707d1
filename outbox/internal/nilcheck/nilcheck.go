// Package nilcheck detects nil dependencies hidden behind interface values.
package nilcheck

import "reflect"

// IsNil reports whether value is nil or a typed nil pointer, map, slice,
// channel or func stored in an interface.
func IsNil(value any) bool {
	if value == nil {
		return true
	}

	rv := reflect.ValueOf(value)

	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return rv.IsNil()
	}

	return false
}

// FirstNil returns the name of the first nil dependency, or "" when all are set.
// deps alternates name and value: FirstNil("repo", repo, "types", types).
func FirstNil(deps ...any) string {
	for i := 0; i+1 < len(deps); i += 2 {
		if IsNil(deps[i+1]) {
			name, _ := deps[i].(string)

			return name
		}
	}

	return ""
}
