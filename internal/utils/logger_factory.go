package utils

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel enumerates the supported diagnostic log levels.
type LogLevel string

// LogFormat enumerates the supported diagnostic log encodings.
type LogFormat string

// Supported log levels.
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Supported log formats.
const (
	LogFormatStructured LogFormat = "structured"
	LogFormatConsole    LogFormat = "console"
)

const (
	unsupportedLogLevelTemplate     = "unsupported log level %q"
	unsupportedLogFormatTemplate    = "unsupported log format %q"
	defaultRotationSizeMegabytes    = 10
	defaultRotationBackups          = 5
	defaultRotationAgeDays          = 14
	consoleMessageKeyConstant       = "message"
	structuredTimeKeyConstant       = "ts"
	structuredMessageKeyConstant    = "msg"
	structuredLevelKeyConstant      = "level"
	structuredCallerKeyConstant     = "caller"
	structuredLoggerNameKeyConstant = "logger"
)

// LoggerOutputs holds the diagnostic logger and the logger for human-readable progress.
type LoggerOutputs struct {
	DiagnosticLogger *zap.Logger
	ConsoleLogger    *zap.Logger
}

// RotatingFileConfiguration describes an additional rotating log file sink.
type RotatingFileConfiguration struct {
	Path             string `mapstructure:"path"`
	MaxSizeMegabytes int    `mapstructure:"max_size_mb"`
	MaxBackups       int    `mapstructure:"max_backups"`
	MaxAgeDays       int    `mapstructure:"max_age_days"`
}

// LoggerOption customizes logger construction.
type LoggerOption func(*loggerSettings)

type loggerSettings struct {
	rotatingFile *RotatingFileConfiguration
}

// WithRotatingFile additionally writes structured diagnostics to a size-rotated file.
func WithRotatingFile(configuration RotatingFileConfiguration) LoggerOption {
	return func(settings *loggerSettings) {
		if len(strings.TrimSpace(configuration.Path)) == 0 {
			return
		}
		copied := configuration
		settings.rotatingFile = &copied
	}
}

// LoggerFactory builds zap loggers from configuration values.
type LoggerFactory struct{}

// NewLoggerFactory constructs a LoggerFactory.
func NewLoggerFactory() LoggerFactory {
	return LoggerFactory{}
}

// CreateLoggerOutputs builds the diagnostic and console loggers writing to standard error.
// The console logger is silent when diagnostics are structured.
func (factory LoggerFactory) CreateLoggerOutputs(logLevel LogLevel, logFormat LogFormat, options ...LoggerOption) (LoggerOutputs, error) {
	level, levelError := parseLogLevel(logLevel)
	if levelError != nil {
		return LoggerOutputs{}, levelError
	}

	settings := loggerSettings{}
	for _, option := range options {
		option(&settings)
	}

	errorSink := zapcore.Lock(zapcore.AddSync(os.Stderr))
	var (
		diagnosticCore zapcore.Core
		consoleLogger  *zap.Logger
	)
	switch LogFormat(strings.ToLower(strings.TrimSpace(string(logFormat)))) {
	case LogFormatStructured:
		diagnosticCore = zapcore.NewCore(zapcore.NewJSONEncoder(structuredEncoderConfig()), errorSink, level)
		consoleLogger = zap.NewNop()
	case LogFormatConsole:
		diagnosticEncoderConfig := zap.NewDevelopmentEncoderConfig()
		diagnosticEncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		diagnosticCore = zapcore.NewCore(zapcore.NewConsoleEncoder(diagnosticEncoderConfig), errorSink, level)
		consoleEncoderConfig := zapcore.EncoderConfig{MessageKey: consoleMessageKeyConstant, LineEnding: zapcore.DefaultLineEnding}
		consoleLogger = zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEncoderConfig), errorSink, zapcore.InfoLevel))
	default:
		return LoggerOutputs{}, fmt.Errorf(unsupportedLogFormatTemplate, logFormat)
	}

	if settings.rotatingFile != nil {
		diagnosticCore = zapcore.NewTee(diagnosticCore, rotatingFileCore(*settings.rotatingFile, level))
	}

	return LoggerOutputs{
		DiagnosticLogger: zap.New(diagnosticCore, zap.AddCaller()),
		ConsoleLogger:    consoleLogger,
	}, nil
}

func rotatingFileCore(configuration RotatingFileConfiguration, level zapcore.Level) zapcore.Core {
	maxSize := configuration.MaxSizeMegabytes
	if maxSize <= 0 {
		maxSize = defaultRotationSizeMegabytes
	}
	maxBackups := configuration.MaxBackups
	if maxBackups <= 0 {
		maxBackups = defaultRotationBackups
	}
	maxAge := configuration.MaxAgeDays
	if maxAge <= 0 {
		maxAge = defaultRotationAgeDays
	}
	writeSyncer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   configuration.Path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
		LocalTime:  true,
	})
	return zapcore.NewCore(zapcore.NewJSONEncoder(structuredEncoderConfig()), writeSyncer, level)
}

func structuredEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        structuredTimeKeyConstant,
		LevelKey:       structuredLevelKeyConstant,
		NameKey:        structuredLoggerNameKeyConstant,
		CallerKey:      structuredCallerKeyConstant,
		MessageKey:     structuredMessageKeyConstant,
		StacktraceKey:  zapcore.OmitKey,
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func parseLogLevel(logLevel LogLevel) (zapcore.Level, error) {
	switch LogLevel(strings.ToLower(strings.TrimSpace(string(logLevel)))) {
	case LogLevelDebug:
		return zapcore.DebugLevel, nil
	case LogLevelInfo:
		return zapcore.InfoLevel, nil
	case LogLevelWarn:
		return zapcore.WarnLevel, nil
	case LogLevelError:
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf(unsupportedLogLevelTemplate, logLevel)
	}
}
