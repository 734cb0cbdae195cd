package operation

import (
	"log/slog"

	"github.com/ChuLiYu/opgate/pkg/types"
)

// normalizeResults checks facet output against the declared result shape.
// Undeclared or ill-typed properties are logged and dropped; an operation that
// declares no results never forwards any. Without a definition the results
// pass through untouched.
func normalizeResults(logger *slog.Logger, jobID types.JobID, def *types.OperationDefinition, results types.Configuration) types.Configuration {
	if len(results) == 0 || def == nil {
		return results
	}

	if def.Results == nil {
		logger.Warn("Operation declares no results but facet returned some, dropping them",
			"job_id", jobID,
			"operation", def.Name,
			"keys", results.Keys())
		return nil
	}

	out := make(types.Configuration, len(results))
	for _, key := range results.Keys() {
		value := results[key]
		typ, declared := def.Results.Properties[key]
		if !declared {
			logger.Warn("Dropping undeclared result property",
				"job_id", jobID,
				"operation", def.Name,
				"property", key)
			continue
		}
		if !conforms(typ, value) {
			logger.Warn("Dropping result property with unexpected type",
				"job_id", jobID,
				"operation", def.Name,
				"property", key,
				"declared", typ)
			continue
		}
		out[key] = value
	}
	return out
}

func conforms(typ types.PropertyType, value any) bool {
	if value == nil {
		return true
	}
	switch typ {
	case types.PropertyAny, "":
		return true
	case types.PropertyString:
		_, ok := value.(string)
		return ok
	case types.PropertyBool:
		_, ok := value.(bool)
		return ok
	case types.PropertyInt:
		return isInteger(value)
	case types.PropertyFloat:
		switch value.(type) {
		case float32, float64:
			return true
		}
		return isInteger(value)
	default:
		return false
	}
}

func isInteger(value any) bool {
	switch value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}
