/*
Package factory validates the open-ended attribute maps attached to batches.

PURPOSE:
  Regulated product batches carry flexible metadata - lab results,
  compliance certificates, dosage strength. Rather than an untyped JSON
  blob, attributes are an explicit key/value map with documented optional
  keys per product category, validated at the boundary. Unknown keys are
  allowed (the map is open-ended); documented keys must parse.

SCHEMA:
  Each category declares its documented keys and a validator per key.
  Categories without a schema accept any attributes.

DOCUMENTED KEYS:
  gum, lozenge, pouch:
    nicotine_mg       decimal milligrams per piece, > 0
    units_per_pack    positive integer
    flavor            free text
    lab_report_url    http(s) URL
    compliance_cert   free text (certificate number)
  patch:
    nicotine_mg       decimal milligrams per patch, > 0
    release_hours     positive integer
    lab_report_url    http(s) URL
    compliance_cert   free text

USAGE:
  if err := factory.ValidateAttributes("gum", batch.Attributes); err != nil {
      // err unwraps to ledger.ErrValidation
  }

SEE ALSO:
  - custody/engine.go: RecordManufacture validates through this package
*/
package factory

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/custodia/trace-engine/ledger"
)

// Validator checks one attribute value.
type Validator func(value string) error

// Schema maps documented attribute keys to their validators for one
// product category.
type Schema map[string]Validator

var schemas = map[string]Schema{
	"gum":     consumableSchema(),
	"lozenge": consumableSchema(),
	"pouch":   consumableSchema(),
	"patch": {
		"nicotine_mg":     positiveDecimal,
		"release_hours":   positiveInt,
		"lab_report_url":  httpURL,
		"compliance_cert": freeText,
	},
}

func consumableSchema() Schema {
	return Schema{
		"nicotine_mg":     positiveDecimal,
		"units_per_pack":  positiveInt,
		"flavor":          freeText,
		"lab_report_url":  httpURL,
		"compliance_cert": freeText,
	}
}

// Categories returns the categories with a documented schema.
func Categories() []string {
	out := make([]string, 0, len(schemas))
	for c := range schemas {
		out = append(out, c)
	}
	return out
}

// DocumentedKeys returns the documented attribute keys for a category,
// or nil when the category has no schema.
func DocumentedKeys(category string) []string {
	schema, ok := schemas[category]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(schema))
	for k := range schema {
		keys = append(keys, k)
	}
	return keys
}

// ValidateAttributes checks the documented keys of a category against
// their validators. Undocumented keys pass through untouched; categories
// without a schema accept anything.
func ValidateAttributes(category string, attrs map[string]string) error {
	schema, ok := schemas[category]
	if !ok {
		return nil
	}
	for key, value := range attrs {
		validate, documented := schema[key]
		if !documented {
			continue
		}
		if err := validate(value); err != nil {
			return &ledger.ValidationError{
				Field:   "attributes." + key,
				Message: err.Error(),
			}
		}
	}
	return nil
}

// =============================================================================
// VALIDATORS
// =============================================================================

func positiveDecimal(value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("not a number: %q", value)
	}
	if f <= 0 {
		return fmt.Errorf("must be positive, got %s", value)
	}
	return nil
}

func positiveInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("not an integer: %q", value)
	}
	if n <= 0 {
		return fmt.Errorf("must be positive, got %d", n)
	}
	return nil
}

func httpURL(value string) error {
	if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
		return fmt.Errorf("must be an http(s) URL, got %q", value)
	}
	return nil
}

func freeText(value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("cannot be blank")
	}
	return nil
}
