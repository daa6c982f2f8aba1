package config

import (
	"reflect"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

// Validator is implemented by config structs with checks beyond
// `required:"true"`. Load calls it after the required checks pass.
// Non-coded errors are wrapped with [sserr.CodeValidation].
type Validator interface {
	Validate() error
}

func validate(cfg any, rv reflect.Value) error {
	if err := validateRequired(rv, ""); err != nil {
		return err
	}
	v, ok := cfg.(Validator)
	if !ok {
		return nil
	}
	if err := v.Validate(); err != nil {
		if _, coded := sserr.AsError(err); coded {
			return err
		}
		return sserr.Wrap(err, sserr.CodeValidation, "config: validation failed")
	}
	return nil
}

// validateRequired reports the first required field left at its zero
// value, named by its dotted path ("Auth.Issuer").
func validateRequired(rv reflect.Value, path string) error {
	rt := rv.Type()
	for i := range rt.NumField() {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}
		fieldPath := sf.Name
		if path != "" {
			fieldPath = path + "." + sf.Name
		}
		if field.Kind() == reflect.Struct {
			if err := validateRequired(field, fieldPath); err != nil {
				return err
			}
			continue
		}
		if sf.Tag.Get("required") == "true" && field.IsZero() {
			return sserr.Newf(sserr.CodeValidationRequired, "config: required field %s is empty", fieldPath)
		}
	}
	return nil
}
