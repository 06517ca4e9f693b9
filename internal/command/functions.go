// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package command

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"text/template"

	"github.com/google/uuid"
)

// helpers returns the function map available inside command templates.
func helpers() template.FuncMap {
	return template.FuncMap{
		"Quote":   Quote,
		"Get":     Get,
		"ToJSON":  ToJSON,
		"UUIDV4":  UUIDV4,
		"Join":    Join,
		"Default": Default,
	}
}

// Quote wraps the string representation of the input value in double quotes.
func Quote(s any) string {
	return fmt.Sprintf("%q", castToString(s))
}

// Get walks a dotted path through nested maps and returns the value found
// there, or defaultValue when any segment is missing.
func Get(path string, object map[string]any, defaultValue any) any {
	current := any(object)
	for _, segment := range strings.Split(path, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return defaultValue
		}

		value, exists := node[segment]
		if !exists {
			return defaultValue
		}
		current = value
	}

	return current
}

// ToJSON converts a value to its JSON string representation.
func ToJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}

	return string(data)
}

// UUIDV4 generates a new UUID version 4.
func UUIDV4() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Join concatenates the elements of a list with sep between them.
func Join(sep string, list any) (string, error) {
	listType := reflect.TypeOf(list)
	if listType == nil {
		return "", fmt.Errorf("cannot join a nil value")
	}

	switch listType.Kind() {
	case reflect.Slice, reflect.Array:
		reflectedList := reflect.ValueOf(list)
		parts := make([]string, reflectedList.Len())
		for i := range reflectedList.Len() {
			parts[i] = castToString(reflectedList.Index(i).Interface())
		}
		return strings.Join(parts, sep), nil
	default:
		return "", fmt.Errorf("cannot join type %s", listType.String())
	}
}

// Default returns value, or defaultValue when value is nil or an empty
// string.
func Default(defaultValue, value any) any {
	switch typed := value.(type) {
	case nil:
		return defaultValue
	case string:
		if typed == "" {
			return defaultValue
		}
	}

	return value
}

// castToString converts obj to its string representation.
func castToString(obj any) string {
	switch v := obj.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
