package log

import (
	"fmt"

	"go.uber.org/zap"
)

// toFields turns the loosely typed arguments of the package helpers into zap
// fields. Arguments are read as key/value pairs, except that a zap.Field or
// an error standing alone is taken as is. A trailing unpaired value and a
// pair with a non-string key are kept under synthetic keys so nothing is
// silently dropped.
func toFields(args ...any) []zap.Field {
	if len(args) == 0 {
		return nil
	}

	fields := make([]zap.Field, 0, len(args)/2+1)
	for i := 0; i < len(args); {
		switch v := args[i].(type) {
		case zap.Field:
			fields = append(fields, v)
			i++
			continue
		case error:
			fields = append(fields, zap.Error(v))
			i++
			continue
		}

		if i == len(args)-1 {
			fields = append(fields, zap.Any(fmt.Sprintf("arg#%d", i), args[i]))
			break
		}

		key, val := args[i], args[i+1]
		i += 2

		name, ok := key.(string)
		if !ok {
			fields = append(fields, zap.Any(fmt.Sprintf("invalid_key_%d", i/2), map[string]any{
				"key":   key,
				"value": val,
			}))
			continue
		}
		fields = append(fields, valueField(name, val))
	}

	return fields
}

// valueField picks the zap encoder for val. Errors keep their own key and
// Stringers, such as partitions, are logged by name rather than reflected.
// Everything else goes through zap.Any, which already has typed fast paths.
func valueField(key string, val any) zap.Field {
	switch v := val.(type) {
	case nil:
		return zap.Skip()
	case error:
		return zap.NamedError(key, v)
	case []byte:
		return zap.Binary(key, v)
	case fmt.Stringer:
		return zap.Stringer(key, v)
	}
	return zap.Any(key, val)
}
