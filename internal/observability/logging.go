// Package observability provides structured logging, Prometheus metrics and
// OpenTelemetry tracing for modeldeck.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig selects the handler built by NewLogger.
type LogConfig struct {
	Level     string    // debug, info, warn or error; anything else is info
	Format    string    // json (default) or text
	Output    io.Writer // os.Stderr when nil
	AddSource bool

	// RedactPatterns extend DefaultRedactPatterns.
	RedactPatterns []string

	// LevelVar, when set, controls the level dynamically so a config reload
	// can change it without rebuilding the logger.
	LevelVar *slog.LevelVar
}

// ContextKey types the correlation values the handler copies into records.
type ContextKey string

const (
	RequestIDKey    ContextKey = "request_id"
	ModelIDKey      ContextKey = "model_id"
	ExperimentIDKey ContextKey = "experiment_id"
)

var contextKeys = []ContextKey{RequestIDKey, ModelIDKey, ExperimentIDKey}

// DefaultRedactPatterns match credentials that may leak into messages, such
// as backend tokens echoed in error bodies.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["\']?([a-zA-Z0-9_\-]{16,})["\']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["\']?([^\s"']{8,})["\']?`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

var sensitiveKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"auth":          true,
	"authorization": true,
}

// NewLogger creates a slog.Logger whose handler redacts secrets and adds
// correlation fields found in the record's context.
func NewLogger(config LogConfig) *slog.Logger {
	return slog.New(NewHandler(config))
}

// NewHandler builds the redacting handler used by NewLogger.
func NewHandler(config LogConfig) slog.Handler {
	if config.Output == nil {
		config.Output = os.Stderr
	}
	if config.Format == "" {
		config.Format = "json"
	}

	var level slog.Leveler = LogLevelFromString(config.Level)
	if config.LevelVar != nil {
		config.LevelVar.Set(LogLevelFromString(config.Level))
		level = config.LevelVar
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if strings.EqualFold(config.Format, "text") {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	redacts := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns)+len(config.RedactPatterns))
	patterns := append(append([]string{}, DefaultRedactPatterns...), config.RedactPatterns...)
	for _, pattern := range patterns {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &redactingHandler{next: handler, redacts: redacts}
}

type redactingHandler struct {
	next    slog.Handler
	redacts []*regexp.Regexp
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, record slog.Record) error {
	out := slog.NewRecord(record.Time, record.Level, h.redactString(record.Message), record.PC)
	if ctx != nil {
		for _, key := range contextKeys {
			if value, ok := ctx.Value(key).(string); ok && value != "" {
				out.AddAttrs(slog.String(string(key), value))
			}
		}
	}
	record.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(h.redactAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		redacted[i] = h.redactAttr(attr)
	}
	return &redactingHandler{next: h.next.WithAttrs(redacted), redacts: h.redacts}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{next: h.next.WithGroup(name), redacts: h.redacts}
}

func (h *redactingHandler) redactAttr(attr slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(strings.ReplaceAll(attr.Key, "-", "_"))] {
		return slog.String(attr.Key, "[REDACTED]")
	}
	value := attr.Value.Resolve()
	switch value.Kind() {
	case slog.KindString:
		return slog.String(attr.Key, h.redactString(value.String()))
	case slog.KindGroup:
		group := value.Group()
		redacted := make([]any, len(group))
		for i, inner := range group {
			redacted[i] = h.redactAttr(inner)
		}
		return slog.Group(attr.Key, redacted...)
	case slog.KindAny:
		if err, ok := value.Any().(error); ok {
			return slog.String(attr.Key, h.redactString(err.Error()))
		}
	}
	return slog.Attr{Key: attr.Key, Value: value}
}

func (h *redactingHandler) redactString(s string) string {
	for _, re := range h.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// AddRequestID tags ctx with the console request id.
func AddRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// AddExperiment tags the context with the experiment being processed.
//
// Example:
//
//	ctx = observability.AddExperiment(ctx, exp.ModelID, exp.ID)
//	logger.InfoContext(ctx, "stream opened") // includes model_id and experiment_id
func AddExperiment(ctx context.Context, modelID, experimentID string) context.Context {
	ctx = context.WithValue(ctx, ModelIDKey, modelID)
	return context.WithValue(ctx, ExperimentIDKey, experimentID)
}

// GetRequestID returns the request id in ctx, or "".
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// LogLevelFromString parses a config level name; unknown names are info.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
