package proto

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/vovakirdan/wirechat-relay/internal/core"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Decode parses and validates an inbound frame. Failures wrap core.ErrInvalidFrame.
func Decode(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("%w: %w", core.ErrInvalidFrame, err)
	}
	if in.V == 0 {
		in.V = ProtocolVersion
	}
	if err := validate.Struct(in); err != nil {
		return in, fmt.Errorf("%w: %s", core.ErrInvalidFrame, describe(err))
	}
	return in, nil
}

// CheckVersion rejects a newer major version than ProtocolVersion.
func CheckVersion(v int) error {
	if v > ProtocolVersion {
		return fmt.Errorf("%w: client speaks v%d, server v%d", core.ErrUnsupportedVersion, v, ProtocolVersion)
	}
	return nil
}

func describe(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	return strings.Join(lo.Map(verrs, func(fe validator.FieldError, _ int) string {
		return fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
	}), "; ")
}
