// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assignment

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
)

// Flatten turns nested attributes into dotted keys with string values.
//
//	{"user": {"plan": "pro", "seats": 3}, "tags": ["a", "b"]}
//
// becomes
//
//	{"user.plan": "pro", "user.seats": "3", "tags.0": "a", "tags.1": "b"}
//
// Scalars are stringified the way a browser would: nil is "null", floats
// drop a trailing ".0", booleans are "true" and "false".
func Flatten(attrs map[string]any) map[string]string {
	out := make(map[string]string)
	for k, v := range attrs {
		flattenInto(out, k, reflect.ValueOf(v))
	}
	return out
}

func flattenInto(out map[string]string, prefix string, v reflect.Value) {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			out[prefix] = "null"
			return
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		out[prefix] = "null"
		return
	}

	switch v.Kind() {
	case reflect.Map:
		if v.IsNil() {
			out[prefix] = "null"
			return
		}
		iter := v.MapRange()
		for iter.Next() {
			flattenInto(out, join(prefix, fmt.Sprint(iter.Key().Interface())), iter.Value())
		}
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			out[prefix] = "null"
			return
		}
		for i := 0; i < v.Len(); i++ {
			flattenInto(out, join(prefix, strconv.Itoa(i)), v.Index(i))
		}
	case reflect.String:
		out[prefix] = v.String()
	case reflect.Bool:
		out[prefix] = strconv.FormatBool(v.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		out[prefix] = strconv.FormatInt(v.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		out[prefix] = strconv.FormatUint(v.Uint(), 10)
	case reflect.Float32, reflect.Float64:
		out[prefix] = formatNumber(v.Float())
	default:
		out[prefix] = fmt.Sprint(v.Interface())
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
