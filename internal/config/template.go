package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
)

// ExpandTemplates rewrites, in place, every string field of the struct pointed to by in
// that carries a `template` tag, replacing ${VAR} references with values from variables.
// Nested structs, non-nil struct pointers and string maps are walked; `template:"-"`
// opts a field out. All failures are reported together, each prefixed with the yaml
// path of the offending field.
func ExpandTemplates[T any](in *T, variables map[string]string) error {
	if in == nil {
		return nil
	}
	v := reflect.ValueOf(in).Elem()
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("cannot expand templates in %s: expected a struct", v.Type())
	}
	e := &expander{variables: variables}
	e.walkStruct(v, "")
	return e.errs
}

type expander struct {
	variables map[string]string
	errs      error
}

func (e *expander) walkStruct(v reflect.Value, prefix string) {
	typ := v.Type()
	for i := range typ.NumField() {
		sf := typ.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag, tagged := sf.Tag.Lookup("template")
		if tag == "-" {
			continue
		}
		field := v.Field(i)
		path := joinPath(prefix, fieldName(sf))

		switch field.Kind() {
		case reflect.String:
			if tagged {
				e.expandValue(field, path)
			}
		case reflect.Ptr:
			if field.IsNil() {
				continue
			}
			switch field.Elem().Kind() {
			case reflect.Struct:
				e.walkStruct(field.Elem(), path)
			case reflect.String:
				if tagged {
					expanded := reflect.New(field.Elem().Type())
					expanded.Elem().SetString(field.Elem().String())
					e.expandValue(expanded.Elem(), path)
					field.Set(expanded)
				}
			}
		case reflect.Struct:
			e.walkStruct(field, path)
		case reflect.Slice:
			if tagged && field.Type().Elem().Kind() == reflect.String {
				for j := range field.Len() {
					e.expandValue(field.Index(j), fmt.Sprintf("%s[%d]", path, j))
				}
			}
		case reflect.Map:
			if tagged && !field.IsNil() &&
				field.Type().Key().Kind() == reflect.String && field.Type().Elem().Kind() == reflect.String {
				e.expandMap(field, path)
			}
		}
	}
}

func (e *expander) expandValue(v reflect.Value, path string) {
	expanded, err := Expand(v.String(), e.variables)
	if err != nil {
		e.errs = errors.Join(e.errs, fmt.Errorf("%s: %w", path, err))
		return
	}
	v.SetString(expanded)
}

// expandMap replaces the map so that maps shared with the caller are left untouched.
func (e *expander) expandMap(v reflect.Value, path string) {
	out := reflect.MakeMapWithSize(v.Type(), v.Len())
	iter := v.MapRange()
	for iter.Next() {
		expanded, err := Expand(iter.Value().String(), e.variables)
		if err != nil {
			e.errs = errors.Join(e.errs, fmt.Errorf("%s.%s: %w", path, iter.Key().String(), err))
			continue
		}
		out.SetMapIndex(iter.Key(), reflect.ValueOf(expanded).Convert(v.Type().Elem()))
	}
	v.Set(out)
}

// Expand replaces ${VAR} references in value. Referencing a variable that is not in
// variables is an error.
func Expand(value string, variables map[string]string) (string, error) {
	var errs error
	result := os.Expand(value, func(key string) string {
		if val, ok := variables[key]; ok {
			return val
		}
		errs = errors.Join(errs, fmt.Errorf("variable %q is not in the allowed list", key))
		return ""
	})
	if errs != nil {
		return "", errs
	}
	return result, nil
}

func fieldName(sf reflect.StructField) string {
	if name, _, _ := strings.Cut(sf.Tag.Get("yaml"), ","); name != "" && name != "-" {
		return name
	}
	return sf.Name
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
