package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// secretPaths are masked by Sanitize. "*" matches any provider name.
var secretPaths = []string{
	"providers.*.apiKey",
	"channels.telegram.token",
	"channels.whatsapp.appSecret",
	"channels.whatsapp.accessToken",
	"channels.whatsapp.verifyToken",
	"api.apiKey",
	"api.inboundSecret",
}

// GetByPath returns the value at a dot path such as "reply.maxAttempts" or
// "providers.groq.defaultModel". Fields left out of the file by omitempty are
// still addressable.
func GetByPath(cfg *Config, path string) (any, error) {
	v := reflect.ValueOf(cfg).Elem()
	for _, key := range splitPath(path) {
		next, err := child(v, key)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		v = next
	}
	return v.Interface(), nil
}

// SetByPath parses raw into the type of the field at path and stores it.
// Unknown keys are rejected, except provider names, which create a new
// provider entry. List fields take a comma separated value.
func SetByPath(cfg *Config, path, raw string) error {
	parts := splitPath(path)
	if len(parts) == 0 {
		return fmt.Errorf("empty path")
	}
	err := update(reflect.ValueOf(cfg).Elem(), parts, func(leaf reflect.Value) error {
		return assign(leaf, raw)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Sanitize returns a copy of cfg with every secret masked.
func Sanitize(cfg *Config) *Config {
	out := clone(cfg)
	for _, pattern := range secretPaths {
		for _, path := range expand(out, pattern) {
			_ = update(reflect.ValueOf(out).Elem(), splitPath(path), func(leaf reflect.Value) error {
				if s := leaf.String(); s != "" {
					leaf.SetString(maskString(s))
				}
				return nil
			})
		}
	}
	return out
}

// ListPaths returns every leaf path of cfg with its current value.
func ListPaths(cfg *Config) map[string]any {
	out := make(map[string]any)
	collect("", reflect.ValueOf(cfg).Elem(), out)
	return out
}

// maskString keeps the first and last four characters of long secrets.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

func clone(cfg *Config) *Config {
	var out Config
	data, err := json.Marshal(cfg)
	if err == nil {
		err = json.Unmarshal(data, &out)
	}
	if err != nil {
		// Fall back to a copy with a fresh provider map so masking never
		// touches the caller's values.
		out = *cfg
		out.Providers = make(map[string]ProviderConfig, len(cfg.Providers))
		for k, p := range cfg.Providers {
			out.Providers[k] = p
		}
	}
	return &out
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// expand resolves "*" segments against the provider names present in cfg.
func expand(cfg *Config, pattern string) []string {
	head, tail, ok := strings.Cut(pattern, ".*.")
	if !ok {
		return []string{pattern}
	}
	v, err := GetByPath(cfg, head)
	if err != nil {
		return nil
	}
	mv := reflect.ValueOf(v)
	if mv.Kind() != reflect.Map {
		return nil
	}
	var paths []string
	for _, k := range mv.MapKeys() {
		paths = append(paths, head+"."+k.String()+"."+tail)
	}
	return paths
}

// child steps one key into a struct (by json name) or a string-keyed map.
func child(v reflect.Value, key string) (reflect.Value, error) {
	switch v.Kind() {
	case reflect.Struct:
		if i, ok := fieldIndex(v.Type(), key); ok {
			return v.Field(i), nil
		}
		return reflect.Value{}, fmt.Errorf("unknown key %q", key)
	case reflect.Map:
		e := v.MapIndex(reflect.ValueOf(key))
		if !e.IsValid() {
			return reflect.Value{}, fmt.Errorf("no entry %q", key)
		}
		return e, nil
	}
	return reflect.Value{}, fmt.Errorf("%q is not a section", key)
}

// update walks parts and calls set on the addressable leaf. Map values are
// copied out, changed, and stored back.
func update(v reflect.Value, parts []string, set func(reflect.Value) error) error {
	if len(parts) == 0 {
		return set(v)
	}
	key := parts[0]
	switch v.Kind() {
	case reflect.Struct:
		i, ok := fieldIndex(v.Type(), key)
		if !ok {
			return fmt.Errorf("unknown key %q", key)
		}
		return update(v.Field(i), parts[1:], set)
	case reflect.Map:
		if v.IsNil() {
			v.Set(reflect.MakeMap(v.Type()))
		}
		k := reflect.ValueOf(key)
		elem := reflect.New(v.Type().Elem()).Elem()
		if cur := v.MapIndex(k); cur.IsValid() {
			elem.Set(cur)
		}
		if err := update(elem, parts[1:], set); err != nil {
			return err
		}
		v.SetMapIndex(k, elem)
		return nil
	}
	return fmt.Errorf("%q is not a section", key)
}

func assign(leaf reflect.Value, raw string) error {
	switch leaf.Kind() {
	case reflect.String:
		leaf.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("want true or false, got %q", raw)
		}
		leaf.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("want an integer, got %q", raw)
		}
		leaf.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("want a number, got %q", raw)
		}
		leaf.SetFloat(f)
	case reflect.Slice:
		if leaf.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("cannot set %s", leaf.Type())
		}
		items := reflect.MakeSlice(leaf.Type(), 0, 0)
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				items = reflect.Append(items, reflect.ValueOf(s).Convert(leaf.Type().Elem()))
			}
		}
		leaf.Set(items)
	default:
		return fmt.Errorf("%s is a section, name one of its keys", leaf.Type())
	}
	return nil
}

func collect(prefix string, v reflect.Value, out map[string]any) {
	join := func(key string) string {
		if prefix == "" {
			return key
		}
		return prefix + "." + key
	}
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if name := jsonName(t.Field(i)); name != "" {
				collect(join(name), v.Field(i), out)
			}
		}
	case reflect.Map:
		for _, k := range v.MapKeys() {
			collect(join(k.String()), v.MapIndex(k), out)
		}
	default:
		out[prefix] = v.Interface()
	}
}

func fieldIndex(t reflect.Type, key string) (int, bool) {
	for i := 0; i < t.NumField(); i++ {
		if jsonName(t.Field(i)) == key {
			return i, true
		}
	}
	return 0, false
}

func jsonName(f reflect.StructField) string {
	if !f.IsExported() {
		return ""
	}
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}
