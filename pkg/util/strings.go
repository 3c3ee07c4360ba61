package util

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/json"
)

// functional map: (a -> b) -> [a] -> [b]
func Map[T, U any](f func(T) U, s []T) []U {
	result := make([]U, len(s))
	for i, v := range s {
		result[i] = f(v)
	}
	return result
}

// Stringify renders any value as compact JSON, falling back to Go syntax for values that do not
// marshal.
func Stringify(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}

// StringifyAll renders a list of values separated by commas, for log lines.
func StringifyAll[T any](vs []T) string {
	return "[" + strings.Join(Map(func(v T) string { return Stringify(v) }, vs), ",") + "]"
}
