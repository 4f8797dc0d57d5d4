package alarms

// MergeConfig resolves a per-target rule config from a template's defaults and
// an optional override. The overlay is shallow: a key present in the override
// wins wholesale, including nested objects, which replace the corresponding
// default rather than merging into it. The template's map is never mutated.
// The merged result is validated against the template's condition schema; an
// incomplete merge returns a *ValidationError and no config.
func MergeConfig(template AlarmTemplate, override map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(template.DefaultConfig)+len(override))
	for key, value := range template.DefaultConfig {
		merged[key] = value
	}
	for key, value := range override {
		merged[key] = value
	}

	missing, err := ValidateConfig(template.ConditionType, merged)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Missing: missing}
	}
	return merged, nil
}
