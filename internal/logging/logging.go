// Package logging provides category-scoped loggers for the bridge
// subsystems. Every subsystem logs through its own named category so a
// single session transcript can be filtered down to one moving part
// (registry churn, chain decisions, dispatch lifecycle) without grep
// archaeology. Loggers are backed by zap; Initialize must be called once
// at startup before any Get.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryBoot         Category = "boot"         // Startup, config resolution
	CategoryServer       Category = "server"       // HTTP/WebSocket surface
	CategoryRegistry     Category = "registry"     // Connection lifecycle, keepalive
	CategoryProcess      Category = "process"      // Upstream subprocess adapter
	CategoryChain        Category = "chain"        // Handler chain decisions
	CategoryAssembler    Category = "assembler"    // Context assembly, budgets
	CategoryToolDispatch Category = "tooldispatch" // Tool request correlation
	CategoryDispatch     Category = "dispatch"     // Autonomous dispatch orchestration
	CategoryWorkspace    Category = "workspace"    // Worktree provisioning/teardown
	CategoryRules        Category = "rules"        // Rule evaluation and reload
	CategoryConfig       Category = "config"       // Config load and overrides
)

// Logger wraps a category-named sugared zap logger.
type Logger struct {
	s *zap.SugaredLogger
}

var (
	mu      sync.RWMutex
	base    = zap.NewNop()
	loggers = map[Category]*Logger{}
)

// Initialize builds the shared zap backend. level is one of
// debug/info/warn/error; jsonFormat selects the JSON encoder over the
// console encoder. Calling Initialize again replaces the backend and
// invalidates cached category loggers.
func Initialize(level string, jsonFormat bool) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if !jsonFormat {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	mu.Lock()
	base = logger
	loggers = map[Category]*Logger{}
	mu.Unlock()
	return nil
}

// Get returns the logger for a category, creating it on first use.
func Get(category Category) *Logger {
	mu.RLock()
	l, ok := loggers[category]
	mu.RUnlock()
	if ok {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok = loggers[category]; ok {
		return l
	}
	l = &Logger{s: base.Named(string(category)).Sugar()}
	loggers[category] = l
	return l
}

// CloseAll flushes buffered log entries. Call before process exit.
func CloseAll() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}

func (l *Logger) Debug(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.s.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.s.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.s.Errorf(format, args...) }

// With returns a child logger carrying structured key/value context.
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{s: l.s.With(args...)}
}

// Convenience wrappers, one pair per category.

func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

func Server(format string, args ...interface{}) {
	Get(CategoryServer).Info(format, args...)
}

func ServerDebug(format string, args ...interface{}) {
	Get(CategoryServer).Debug(format, args...)
}

func Registry(format string, args ...interface{}) {
	Get(CategoryRegistry).Info(format, args...)
}

func RegistryDebug(format string, args ...interface{}) {
	Get(CategoryRegistry).Debug(format, args...)
}

func Process(format string, args ...interface{}) {
	Get(CategoryProcess).Info(format, args...)
}

func ProcessDebug(format string, args ...interface{}) {
	Get(CategoryProcess).Debug(format, args...)
}

func Chain(format string, args ...interface{}) {
	Get(CategoryChain).Info(format, args...)
}

func ChainDebug(format string, args ...interface{}) {
	Get(CategoryChain).Debug(format, args...)
}

func Assembler(format string, args ...interface{}) {
	Get(CategoryAssembler).Info(format, args...)
}

func AssemblerDebug(format string, args ...interface{}) {
	Get(CategoryAssembler).Debug(format, args...)
}

func ToolDispatch(format string, args ...interface{}) {
	Get(CategoryToolDispatch).Info(format, args...)
}

func ToolDispatchDebug(format string, args ...interface{}) {
	Get(CategoryToolDispatch).Debug(format, args...)
}

func Dispatch(format string, args ...interface{}) {
	Get(CategoryDispatch).Info(format, args...)
}

func DispatchDebug(format string, args ...interface{}) {
	Get(CategoryDispatch).Debug(format, args...)
}

func Workspace(format string, args ...interface{}) {
	Get(CategoryWorkspace).Info(format, args...)
}

func WorkspaceDebug(format string, args ...interface{}) {
	Get(CategoryWorkspace).Debug(format, args...)
}

func Rules(format string, args ...interface{}) {
	Get(CategoryRules).Info(format, args...)
}

func RulesDebug(format string, args ...interface{}) {
	Get(CategoryRules).Debug(format, args...)
}
