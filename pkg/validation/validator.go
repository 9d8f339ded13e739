// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// shared is the validator instance with the asset rules registered.
var shared *validator.Validate

func init() {
	shared = validator.New(validator.WithRequiredStructEnabled())
	shared.RegisterTagNameFunc(jsonFieldName)

	_ = shared.RegisterValidation("assettag", stringRule(ValidateTag))
	_ = shared.RegisterValidation("metakey", stringRule(ValidateMetaKey))
	_ = shared.RegisterValidation("feedfile", stringRule(ValidateFeedFile))
	_ = shared.RegisterValidation("bundlefile", stringRule(ValidateBundleFile))
}

func stringRule(check func(string) error) validator.Func {
	return func(fl validator.FieldLevel) bool {
		return check(fl.Field().String()) == nil
	}
}

// Validator returns the shared validator with the asset rules registered.
func Validator() *validator.Validate {
	return shared
}

// Struct validates v and flattens validator.ValidationErrors into a single
// readable error naming the first failing field.
func Struct(v any) error {
	err := shared.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return &FieldError{Field: fieldName(verrs[0]), Rule: verrs[0].Tag()}
	}
	return err
}

// Var validates a single value against a rule string such as "feedfile".
func Var(v any, rule string) error {
	err := shared.Var(v, rule)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return &FieldError{Rule: verrs[0].Tag()}
	}
	return err
}

// FieldError is the flattened form of a failed validation rule.
type FieldError struct {
	Field string
	Rule  string
}

func (e *FieldError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("failed %q rule", e.Rule)
	}
	return fmt.Sprintf("%s failed %q rule", e.Field, e.Rule)
}

// jsonFieldName reports fields by their JSON name so errors match the
// request body the client sent.
func jsonFieldName(fld reflect.StructField) string {
	name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	return name
}

// fieldName strips the top-level struct name from the namespace so
// "PublishAssetsRequest.data[0]" reads "data[0]".
func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}
