// Package logutil carries small zap helpers shared by the server packages.
package logutil

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Values groups a set of zap.Fields under a single "values" object field,
// keeping request log lines to a fixed set of top-level keys. Zero
// reflection, same speed as inline fields.
func Values(fields ...zap.Field) zap.Field {
	return Grouped("values", fields...)
}

// Grouped nests fields under an arbitrary object key.
func Grouped(key string, fields ...zap.Field) zap.Field {
	return zap.Object(key, zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
		for _, f := range fields {
			f.AddTo(enc)
		}
		return nil
	}))
}
