package alarms

// Condition config keys recognized by the schema validator. Configs arrive as
// decoded JSON objects, so numeric values are float64 and the validator checks
// both presence and JSON type.
const (
	ConfigKeyThreshold     = "threshold"
	ConfigKeyDeadband      = "deadband"
	ConfigKeyMinValue      = "minValue"
	ConfigKeyMaxValue      = "maxValue"
	ConfigKeyHighHighLimit = "highHighLimit"
	ConfigKeyHighLimit     = "highLimit"
	ConfigKeyLowLimit      = "lowLimit"
	ConfigKeyLowLowLimit   = "lowLowLimit"
	ConfigKeyTriggerState  = "triggerState"
	ConfigKeyHoldTime      = "holdTime"
	ConfigKeyExpression    = "expression"
)

var rangeLimitKeys = []string{
	ConfigKeyHighHighLimit,
	ConfigKeyHighLimit,
	ConfigKeyLowLimit,
	ConfigKeyLowLowLimit,
}

// ValidateConfig checks a merged condition config against the required shape
// for its condition type. It returns the list of missing (or wrongly typed)
// fields; an empty list means the config is complete. An unrecognized
// condition type is a hard configuration error, not a missing-field result.
func ValidateConfig(conditionType ConditionType, config map[string]any) ([]string, error) {
	if !conditionType.Valid() {
		return nil, ErrUnknownConditionType
	}

	var missing []string
	switch conditionType {
	case ConditionThreshold:
		if !hasNumber(config, ConfigKeyThreshold) {
			missing = append(missing, ConfigKeyThreshold)
		}
		if _, ok := config[ConfigKeyDeadband]; ok && !hasNumber(config, ConfigKeyDeadband) {
			missing = append(missing, ConfigKeyDeadband)
		}
	case ConditionRange:
		missing = validateRange(config)
	case ConditionDigital:
		if !hasValue(config, ConfigKeyTriggerState) {
			missing = append(missing, ConfigKeyTriggerState)
		}
	case ConditionPattern:
		if !hasValue(config, ConfigKeyTriggerState) {
			missing = append(missing, ConfigKeyTriggerState)
		}
		if hold, ok := numberValue(config, ConfigKeyHoldTime); !ok || hold < 0 {
			missing = append(missing, ConfigKeyHoldTime)
		}
	case ConditionScript:
		if expr, ok := config[ConfigKeyExpression].(string); !ok || expr == "" {
			missing = append(missing, ConfigKeyExpression)
		}
	}
	return missing, nil
}

// validateRange accepts either a complete min/max pair or the complete
// four-limit set. When both are partial, the set with the most fields present
// determines which gaps are reported.
func validateRange(config map[string]any) []string {
	var pairMissing []string
	if !hasNumber(config, ConfigKeyMinValue) {
		pairMissing = append(pairMissing, ConfigKeyMinValue)
	}
	if !hasNumber(config, ConfigKeyMaxValue) {
		pairMissing = append(pairMissing, ConfigKeyMaxValue)
	}
	if len(pairMissing) == 0 {
		return nil
	}

	var limitsMissing []string
	for _, key := range rangeLimitKeys {
		if !hasNumber(config, key) {
			limitsMissing = append(limitsMissing, key)
		}
	}
	if len(limitsMissing) == 0 {
		return nil
	}

	pairPresent := 2 - len(pairMissing)
	limitsPresent := len(rangeLimitKeys) - len(limitsMissing)
	if limitsPresent > pairPresent {
		return limitsMissing
	}
	return pairMissing
}

func hasValue(config map[string]any, key string) bool {
	if config == nil {
		return false
	}
	value, ok := config[key]
	if !ok || value == nil {
		return false
	}
	if s, isString := value.(string); isString && s == "" {
		return false
	}
	return true
}

func hasNumber(config map[string]any, key string) bool {
	_, ok := numberValue(config, key)
	return ok
}

func numberValue(config map[string]any, key string) (float64, bool) {
	if config == nil {
		return 0, false
	}
	switch v := config[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
