package util

import (
	"strconv"
	"strings"
	"time"
)

type StringParsable interface {
	string | []string | int | []int | bool | time.Duration
}

func envVarStringSplitter(s string) []string {
	parts := strings.Split(s, ",")
	v := make([]string, 0, len(parts))
	for _, p := range parts {
		v = append(v, strings.TrimSpace(p))
	}
	return v
}

// ParseList splits a comma separated value and parses each element with f.
// It stops at the first element f rejects.
func ParseList[T any](s string, f func(string) (T, error)) ([]T, error) {
	parts := envVarStringSplitter(s)
	v := make([]T, 0, len(parts))
	for _, p := range parts {
		v2, err := f(p)
		if err != nil {
			return v, err
		}
		v = append(v, v2)
	}
	return v, nil
}

// ParseStringAs parses the input string as a StringParsable type, returning the default
// if an error occurs.
func ParseStringAs[T StringParsable](v string, def T) T {
	v = strings.Trim(v, `"`) // in case something comes in as if it were a json string

	var parser func(string) (any, error)
	switch any(def).(type) {
	case string:
		parser = func(s string) (any, error) { return s, nil }
	case []string:
		parser = func(s string) (any, error) {
			return ParseList(s, func(s string) (string, error) { return s, nil })
		}
	case int:
		parser = func(s string) (any, error) { return strconv.Atoi(s) }
	case []int:
		parser = func(s string) (any, error) {
			return ParseList(s, strconv.Atoi)
		}
	case time.Duration:
		parser = func(s string) (any, error) { return time.ParseDuration(s) }
	case bool:
		parser = func(s string) (any, error) { return strconv.ParseBool(s) }
	}

	val, err := parser(v)
	if err != nil {
		return def
	}
	return val.(T)
}
