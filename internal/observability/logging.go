package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/comfyflow/internal/config"
	"github.com/pitabwire/comfyflow/model"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger creates a zap.Logger writing JSON lines to output ("stdout",
// "stderr" or a file path). The MCP server must log to stderr because
// stdout carries the protocol stream.
//
// Log level usage conventions:
//   - error: unexpected failures, panics, 5xx gateway responses
//   - warn:  backend failures, retries, circuit breaker open, unresolved placeholders
//   - info:  generations, tool calls, template reloads, session lifecycle
//   - debug: backend request/response details, cache operations, parameter dumps
func NewLogger(cfg config.ObservabilityConfig, output string) (*zap.Logger, error) {
	return buildLogger(cfg.LogLevel, "json", output)
}

// NewConsoleLogger creates a human-readable logger on stderr for CLI use.
func NewConsoleLogger(level string) (*zap.Logger, error) {
	return buildLogger(level, "console", "stderr")
}

func buildLogger(levelName, encoding, output string) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(levelName)
	if err != nil {
		level = zapcore.InfoLevel
	}
	if output == "" {
		output = "stderr"
	}

	encodeLevel := zapcore.LowercaseLevelEncoder
	if encoding == "console" {
		encodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// CallLogger returns a logger enriched with CallContext fields.
// If no logger is in the context, the fallback is used.
func CallLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	cc := model.CallContextFrom(ctx)
	if cc == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("tool", cc.Tool),
		zap.String("transport", cc.Transport),
	}
	if cc.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", cc.CorrelationID))
	}
	if cc.RequestID != "" {
		fields = append(fields, zap.String("request_id", cc.RequestID))
	}

	return logger.With(fields...)
}

// defaultSensitiveFields is the default set of field names that should be
// redacted in debug logging output.
var defaultSensitiveFields = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"access_token":  true,
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
}

// RedactBody returns a copy of body with sensitive fields replaced by
// "[REDACTED]". Keys are matched case-insensitively. The sensitiveFields list
// is merged with the default names. Intended for debug-level logging only.
func RedactBody(body map[string]any, sensitiveFields []string) map[string]any {
	if body == nil {
		return nil
	}

	redactSet := make(map[string]bool, len(defaultSensitiveFields)+len(sensitiveFields))
	for k, v := range defaultSensitiveFields {
		redactSet[k] = v
	}
	for _, f := range sensitiveFields {
		redactSet[strings.ToLower(f)] = true
	}

	result := make(map[string]any, len(body))
	for k, v := range body {
		if redactSet[strings.ToLower(k)] {
			result[k] = "[REDACTED]"
		} else if nested, ok := v.(map[string]any); ok {
			result[k] = RedactBody(nested, sensitiveFields)
		} else {
			result[k] = v
		}
	}
	return result
}
