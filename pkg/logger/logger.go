package logger

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type contextKey string

const LoggerKey contextKey = "logger"

type Logger struct {
	*zerolog.Logger
}

// New creates a new logger instance with service context
func New(service string) *Logger {
	hostname, _ := os.Hostname()

	// Configure zerolog
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFieldName = "@timestamp" // ELK compatible

	// Create logger with JSON output for production
	logger := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", service).
		Str("hostname", hostname).
		Str("environment", getEnv("ENVIRONMENT", "development")).
		Str("version", getEnv("SERVICE_VERSION", "unknown")).
		Logger()

	return &Logger{&logger}
}

// WithContext returns a logger from context or creates a new one
func WithContext(ctx context.Context, service string) *Logger {
	if logger, ok := ctx.Value(LoggerKey).(*Logger); ok {
		return logger
	}
	return New(service)
}

// ToContext adds logger to context
func (l *Logger) ToContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, LoggerKey, l)
}

// WithCorrelationID adds the per-firing correlation ID for tracing
func (l *Logger) WithCorrelationID(correlationID string) *Logger {
	logger := l.Logger.With().Str("correlation_id", correlationID).Logger()
	return &Logger{&logger}
}

// WithFlowID adds the flow ID shared by all runs of one job type
func (l *Logger) WithFlowID(flowID string) *Logger {
	logger := l.Logger.With().Str("flow_id", flowID).Logger()
	return &Logger{&logger}
}

// WithJob adds job identity context
func (l *Logger) WithJob(jobName, jobGroup string) *Logger {
	logger := l.Logger.With().
		Str("job_name", jobName).
		Str("job_group", jobGroup).
		Logger()
	return &Logger{&logger}
}

// WithRun adds the run ID of the current firing
func (l *Logger) WithRun(runID string) *Logger {
	logger := l.Logger.With().Str("run_id", runID).Logger()
	return &Logger{&logger}
}

// WithError adds error context
func (l *Logger) WithError(err error) *Logger {
	logger := l.Logger.With().Err(err).Logger()
	return &Logger{&logger}
}

// LogRunStart logs the beginning of a job firing
func (l *Logger) LogRunStart(jobName, jobGroup, triggeredBy string) {
	l.Info().
		Str("action", "run_start").
		Str("job_name", jobName).
		Str("job_group", jobGroup).
		Str("triggered_by", triggeredBy).
		Msg("Starting job run")
}

// LogRunComplete logs a finished firing with its terminal status
func (l *Logger) LogRunComplete(jobName string, status string, duration time.Duration, attempts int) {
	l.Info().
		Str("action", "run_complete").
		Str("job_name", jobName).
		Str("status", status).
		Dur("duration", duration).
		Int("attempts", attempts).
		Bool("success", status == "Success").
		Msg("Job run completed")
}

// LogStoreOperation logs run store operations
func (l *Logger) LogStoreOperation(operation string, affectedRows int, duration time.Duration, err error) {
	event := l.Info()
	if err != nil {
		event = l.Error().Err(err)
	}

	event.
		Str("action", "store_operation").
		Str("operation", operation).
		Int("affected_rows", affectedRows).
		Dur("duration", duration).
		Bool("success", err == nil).
		Msg("Run store operation")
}

// Fatalf logs a fatal error and exits
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.Fatal().Msgf(format, args...)
}

// SetupLogger configures global log level based on environment
func SetupLogger() {
	level := os.Getenv("LOG_LEVEL")
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Pretty logging for development
	if getEnv("ENVIRONMENT", "development") == "development" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
		logger := zerolog.New(output).With().Timestamp().Logger()
		zerolog.DefaultContextLogger = &logger
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
