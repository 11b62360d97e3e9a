package mediator

import (
	"fmt"
	"reflect"
	"strings"
)

// fieldsOf flattens the exported fields of a struct payload into a string
// map keyed by its json tag name (falling back to the field name), so
// pipeline.Envelope.Fields can feed DistributedLock key templates and
// Sharded routing without either needing reflection themselves. Non-struct
// payloads (and nil) yield an empty map.
func fieldsOf(payload any) map[string]string {
	v := reflect.ValueOf(payload)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}

	out := make(map[string]string, v.NumField())
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := sf.Name
		if tag, ok := sf.Tag.Lookup("json"); ok {
			if tagName, _, _ := strings.Cut(tag, ","); tagName != "" && tagName != "-" {
				name = tagName
			}
		}
		out[name] = fmt.Sprint(v.Field(i).Interface())
	}
	return out
}

// ExpandShardKey resolves keyExpr — a message field name — against payload,
// returning the field's string value to hash for shard ownership. An
// unresolvable keyExpr returns it unchanged so ShardOwner hooks can still
// apply a deterministic (if degenerate) routing decision.
func ExpandShardKey(keyExpr string, payload any) string {
	fields := fieldsOf(payload)
	if v, ok := fields[keyExpr]; ok {
		return v
	}
	return keyExpr
}
