// Package config loads gateway settings into tagged structs. Values are
// resolved in layers, each overriding the one before:
//
//	envDefault struct tags
//	YAML or JSON file
//	environment variables
//	command-line flags that were explicitly set
//
// # Struct Tags
//
//   - `envDefault:"value"` sets the value used when nothing else does
//   - `env:"NAME"` reads NAME (with the loader prefix) from the environment
//   - `flag:"name"` reads the pflag of that name when it was set
//   - `required:"true"` fails loading if the field is still zero
//
// A nested struct's env tag is added to the prefix of its fields, so with
// prefix AUTHGATE a field `env:"ISSUER"` inside a struct tagged `env:"AUTH"`
// reads AUTHGATE_AUTH_ISSUER. File keys come from the yaml and json tags.
// Unknown file keys are rejected.
//
//	var cfg GatewayConfig
//	err := config.New().
//	    WithEnvPrefix("AUTHGATE").
//	    WithFile(path).
//	    WithFlags(pflag.CommandLine).
//	    Load(&cfg)
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Loader resolves configuration layers into a struct. It is not safe for
// concurrent use.
type Loader struct {
	envPrefix    string
	filePath     string
	fileRequired bool
	flags        *pflag.FlagSet
}

// New returns a loader that reads defaults and unprefixed environment
// variables only.
func New() *Loader {
	return &Loader{}
}

// WithEnvPrefix prepends prefix and an underscore to every env name. The
// prefix is uppercased.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = strings.ToUpper(prefix)
	return l
}

// WithFile reads path as YAML (.yaml, .yml) or JSON (.json). A missing
// file is skipped.
func (l *Loader) WithFile(path string) *Loader {
	l.filePath = path
	l.fileRequired = false
	return l
}

// WithRequiredFile is WithFile, except that a missing file is an error.
// Use it for paths the operator named explicitly.
func (l *Loader) WithRequiredFile(path string) *Loader {
	l.filePath = path
	l.fileRequired = true
	return l
}

// WithFlags applies flags from fs to fields with a matching flag tag.
// Only flags the user actually set override lower layers.
func (l *Loader) WithFlags(fs *pflag.FlagSet) *Loader {
	l.flags = fs
	return l
}

// Load fills cfg, which must be a non-nil pointer to a struct, and then
// validates it. Loading failures carry [sserr.CodeInternalConfiguration];
// validation failures carry [sserr.CodeValidationRequired] or whatever
// code the struct's Validate method returns.
func (l *Loader) Load(cfg any) error {
	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: Load requires a non-nil pointer to a struct")
	}
	rv = rv.Elem()

	err := walk(rv, "", func(field reflect.Value, sf reflect.StructField, _ string) error {
		def, ok := sf.Tag.Lookup("envDefault")
		if !ok || !field.IsZero() {
			return nil
		}
		return wrapSet(setField(field, def), "config: bad default for %s", sf.Name)
	})
	if err != nil {
		return err
	}

	if l.filePath != "" {
		if err := l.loadFile(cfg); err != nil {
			return err
		}
	}

	err = walk(rv, l.envPrefix, func(field reflect.Value, _ reflect.StructField, envKey string) error {
		if envKey == "" {
			return nil
		}
		val, ok := os.LookupEnv(envKey)
		if !ok {
			return nil
		}
		return wrapSet(setField(field, val), "config: bad value in %s", envKey)
	})
	if err != nil {
		return err
	}

	if l.flags != nil {
		err = walk(rv, "", func(field reflect.Value, sf reflect.StructField, _ string) error {
			name := sf.Tag.Get("flag")
			if name == "" || !l.flags.Changed(name) {
				return nil
			}
			return wrapSet(setField(field, l.flags.Lookup(name).Value.String()), "config: bad value for --%s", name)
		})
		if err != nil {
			return err
		}
	}

	return validate(cfg, rv)
}

func (l *Loader) loadFile(cfg any) error {
	if strings.Contains(l.filePath, "..") {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: file path must not contain ..")
	}

	data, err := os.ReadFile(l.filePath)
	switch {
	case errors.Is(err, os.ErrNotExist) && !l.fileRequired:
		return nil
	case err != nil:
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration, "config: failed to read %s", l.filePath)
	}

	switch ext := strings.ToLower(filepath.Ext(l.filePath)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(cfg)
		if errors.Is(err, io.EOF) {
			err = nil
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(cfg)
	default:
		return sserr.Newf(sserr.CodeInternalConfiguration,
			"config: unsupported file extension %q (use .yaml, .yml, or .json)", ext)
	}
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration, "config: failed to parse %s", l.filePath)
	}
	return nil
}

// walk calls fn for every settable leaf field of rv, passing the env name
// it maps to ("" when it has none). Nested structs other than
// time.Duration are descended into.
func walk(rv reflect.Value, prefix string, fn func(reflect.Value, reflect.StructField, string) error) error {
	rt := rv.Type()
	for i := range rt.NumField() {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}
		envTag := sf.Tag.Get("env")

		if field.Kind() == reflect.Struct && sf.Type != durationType {
			if err := walk(field, joinEnv(prefix, envTag), fn); err != nil {
				return err
			}
			continue
		}

		envKey := ""
		if envTag != "" {
			envKey = joinEnv(prefix, envTag)
		}
		if err := fn(field, sf, envKey); err != nil {
			return err
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

func wrapSet(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return sserr.Wrapf(err, sserr.CodeInternalConfiguration, format, args...)
}

// setField parses value into field. Strings, bools, signed and unsigned
// integers, floats, durations and string slices are supported. Slices
// accept "a,b" and pflag's "[a,b]".
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

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse unsigned integer %q: %w", value, err)
		}
		field.SetUint(n)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse float %q: %w", value, err)
		}
		field.SetFloat(f)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type %s", field.Type().Elem().Kind())
		}
		value = strings.TrimSuffix(strings.TrimPrefix(value, "["), "]")
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
