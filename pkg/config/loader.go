// Package config loads service configuration structs from struct tag
// defaults, an optional YAML or JSON file, an optional dotenv file and the
// process environment. Later sources win:
//
//	envDefault tags < config file < .env file < environment
//
// Three struct tags drive the loader:
//
//   - `env:"NAME"` names the environment variable for a field
//   - `envDefault:"value"` is applied when the field is still zero
//   - `required:"true"` fails loading if the field is zero afterwards
//
// File loading relies on the `yaml` and `json` tags of the target struct.
//
//	cfg := config.MustLoad[ServeConfig](
//	    config.New().WithEnvPrefix("AUTHORHUB").WithFile("authorhub.yaml").WithDotEnv(".env"),
//	)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	sserr "github.com/StricklySoft/authorhub/pkg/errors"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Loader resolves a configuration struct from its layered sources. It is
// not safe for concurrent use.
type Loader struct {
	envPrefix  string
	filePath   string
	dotEnvPath string

	// lookup reads a variable from the process environment. Replaced in
	// tests.
	lookup func(string) (string, bool)
}

// New returns a Loader that reads only tag defaults and the environment.
func New() *Loader {
	return &Loader{lookup: os.LookupEnv}
}

// WithEnvPrefix prepends PREFIX_ to every env tag. The prefix is
// uppercased; an empty prefix disables prefixing.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = strings.ToUpper(prefix)
	return l
}

// WithFile sets a .yaml, .yml or .json file to load. A missing file is
// skipped; an unknown extension fails [Loader.Load].
func (l *Loader) WithFile(path string) *Loader {
	l.filePath = path
	return l
}

// WithDotEnv sets a dotenv file whose KEY=VALUE pairs are consulted for env
// tags that the process environment does not define. The file never
// modifies the process environment. A missing file is skipped.
func (l *Loader) WithDotEnv(path string) *Loader {
	l.dotEnvPath = path
	return l
}

// Load fills cfg, a non-nil pointer to a struct, and validates it. Loading
// failures carry [sserr.CodeInternalConfiguration]; missing required fields
// carry [sserr.CodeValidationRequired]. If cfg implements [Validator] its
// Validate method runs last.
func (l *Loader) Load(cfg any) error {
	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: Load requires a non-nil pointer to a struct")
	}
	rv = rv.Elem()

	if err := applyDefaults(rv); err != nil {
		return err
	}

	if l.filePath != "" {
		if err := l.loadFile(cfg); err != nil {
			return err
		}
	}

	lookup, err := l.envLookup()
	if err != nil {
		return err
	}
	if err := applyEnv(rv, l.envPrefix, lookup); err != nil {
		return err
	}

	return validate(cfg, rv)
}

// MustLoad loads a T and panics on failure. Intended for main.
func MustLoad[T any](loader *Loader) T {
	var cfg T
	if err := loader.Load(&cfg); err != nil {
		panic(fmt.Sprintf("config: MustLoad failed: %v", err))
	}
	return cfg
}

func (l *Loader) loadFile(cfg any) error {
	if strings.Contains(l.filePath, "..") {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: file path must not contain directory traversal (..) sequences")
	}

	data, err := os.ReadFile(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to read file %q", l.filePath)
	}

	ext := strings.ToLower(filepath.Ext(l.filePath))
	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".json":
		err = json.Unmarshal(data, cfg)
	default:
		return sserr.Newf(sserr.CodeInternalConfiguration,
			"config: unsupported file extension %q (use .yaml, .yml, or .json)", ext)
	}
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to parse %s file %q", strings.TrimPrefix(ext, "."), l.filePath)
	}
	return nil
}

// envLookup layers the dotenv file, if any, beneath the process
// environment.
func (l *Loader) envLookup() (func(string) (string, bool), error) {
	lookup := l.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if l.dotEnvPath == "" {
		return lookup, nil
	}

	values, err := godotenv.Read(l.dotEnvPath)
	if err != nil {
		if os.IsNotExist(err) {
			return lookup, nil
		}
		return nil, sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to read dotenv file %q", l.dotEnvPath)
	}

	return func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := values[key]
		return v, ok
	}, nil
}

// isLeafStruct reports whether a struct-kinded field should be set as a
// single value rather than traversed.
func isLeafStruct(t reflect.Type) bool {
	return t == durationType || t == reflect.TypeOf(time.Time{})
}

func applyDefaults(rv reflect.Value) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct && !isLeafStruct(sf.Type) {
			if err := applyDefaults(field); err != nil {
				return err
			}
			continue
		}

		tag, ok := sf.Tag.Lookup("envDefault")
		if !ok || !field.IsZero() {
			continue
		}
		if err := setField(field, tag); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to apply default for field %q", sf.Name)
		}
	}
	return nil
}

// applyEnv sets fields from their env tags. A nested struct's env tag is
// joined to the prefix of its children with "_".
func applyEnv(rv reflect.Value, prefix string, lookup func(string) (string, bool)) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}
		envTag := sf.Tag.Get("env")

		if field.Kind() == reflect.Struct && !isLeafStruct(sf.Type) {
			if err := applyEnv(field, joinEnv(prefix, envTag), lookup); err != nil {
				return err
			}
			continue
		}
		if envTag == "" {
			continue
		}

		key := joinEnv(prefix, envTag)
		val, ok := lookup(key)
		if !ok {
			continue
		}
		if err := setField(field, val); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to set field %q from env var %q", sf.Name, key)
		}
	}
	return nil
}

func joinEnv(prefix, name string) string {
	switch {
	case prefix == "":
		return name
	case name == "":
		return prefix
	default:
		return prefix + "_" + name
	}
}

// setField parses value into field. Supported kinds are string types,
// bool, signed integers, time.Duration and string slices. Slices are
// comma-separated; blank elements are dropped.
func setField(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("cannot parse duration %q: %w", value, err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("cannot parse bool %q: %w", value, err)
		}
		field.SetBool(b)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse integer %q: %w", value, err)
		}
		field.SetInt(n)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type %s", field.Type().Elem().Kind())
		}
		var parts []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, p := range parts {
			slice.Index(i).SetString(p)
		}
		field.Set(slice)

	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}
