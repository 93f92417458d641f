// Package telemetry sets up per-session log files and error tracing.
package telemetry

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/zionsgate/gatekeeper/internal/setup/config"
	"github.com/zionsgate/gatekeeper/internal/setup/telemetry/logger"
	"github.com/zionsgate/gatekeeper/internal/setup/telemetry/loki"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceType identifies the program writing logs.
type ServiceType int

const (
	ServiceBot ServiceType = iota
	ServiceLedger
)

// String returns the component name used for log directories.
func (s ServiceType) String() string {
	switch s {
	case ServiceBot:
		return "bot"
	case ServiceLedger:
		return "ledger"
	default:
		return "unknown"
	}
}

const sessionLayout = "2006-01-02_15-04-05"

// Manager owns the log directory of one program run. Each run writes into a
// fresh timestamped session directory and old sessions are pruned.
type Manager struct {
	instanceID string
	component  string
	logDir     string
	sessionDir string
	debug      config.Debug
	stderr     io.Writer
	closers    []io.Closer
	lokiPusher *loki.Pusher // nil unless Loki shipping is enabled
	tracing    bool         // error logs also become spans
}

// NewManager creates a Manager writing under logDir. Entries are also shipped
// to Loki when lokiCfg enables it, and error entries are recorded as spans
// when tracing is on.
func NewManager(
	serviceType ServiceType, logDir string, debug *config.Debug, lokiCfg *config.Loki, tracing bool,
) *Manager {
	lm := &Manager{
		instanceID: uuid.New().String(),
		component:  serviceType.String(),
		logDir:     logDir,
		debug:      *debug,
		stderr:     os.Stderr,
		tracing:    tracing,
	}

	if lokiCfg != nil && lokiCfg.Enabled && lokiCfg.URL != "" {
		lm.lokiPusher = loki.NewPusher(*lokiCfg, map[string]string{
			"component":   lm.component,
			"instance_id": lm.instanceID,
		})
	}

	return lm
}

// InstanceID identifies this program run in logs and traces.
func (lm *Manager) InstanceID() string {
	return lm.instanceID
}

// SessionDir returns the directory of the current session, empty before GetLoggers.
func (lm *Manager) SessionDir() string {
	return lm.sessionDir
}

// GetLoggers creates the session directory and returns the main and database loggers.
func (lm *Manager) GetLoggers() (*zap.Logger, *zap.Logger, error) {
	if err := lm.setupLogDirectories(); err != nil {
		return nil, nil, err
	}

	mainLogger, err := lm.initLogger(filepath.Join(lm.sessionDir, "main.log"), lm.debug.Console)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize main logger: %w", err)
	}

	dbLogger, err := lm.initLogger(filepath.Join(lm.sessionDir, "database.log"), false)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database logger: %w", err)
	}

	fields := []zap.Field{
		zap.String("component", lm.component),
		zap.String("instanceID", lm.instanceID),
	}

	return mainLogger.With(fields...), dbLogger.With(fields...), nil
}

// Close closes the log files and flushes pending Loki lines.
func (lm *Manager) Close() error {
	var errs []error
	for _, c := range lm.closers {
		errs = append(errs, c.Close())
	}

	lm.closers = nil

	if lm.lokiPusher != nil {
		lm.lokiPusher.Stop()
	}

	return errors.Join(errs...)
}

func (lm *Manager) setupLogDirectories() error {
	if err := os.MkdirAll(lm.logDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	if err := lm.rotateLogSessions(); err != nil {
		return fmt.Errorf("failed to rotate log sessions: %w", err)
	}

	name := time.Now().Format(sessionLayout) + "_" + lm.component
	lm.sessionDir = filepath.Join(lm.logDir, name)

	if err := os.MkdirAll(lm.sessionDir, 0o755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	return nil
}

func (lm *Manager) initLogger(path string, console bool) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(lm.debug.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot open log file %s: %w", path, err)
	}

	rotator := logger.NewLogRotator(file, lm.debug.MaxLogLines, path)
	lm.closers = append(lm.closers, rotator)

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(rotator), level),
	}

	if lm.tracing {
		cores = append(cores, NewCore(level))
	}

	if lm.lokiPusher != nil {
		cores = append(cores, loki.NewCore(level, lm.lokiPusher))
	}

	if console {
		consoleConfig := encoderConfig
		consoleConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleConfig), zapcore.Lock(zapcore.AddSync(lm.stderr)), level,
		))
	}

	return zap.New(
		zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	), nil
}

// rotateLogSessions removes the oldest session directories so that, with the
// session about to be created, at most MaxLogsToKeep remain.
func (lm *Manager) rotateLogSessions() error {
	entries, err := os.ReadDir(lm.logDir)
	if err != nil {
		return err
	}

	type session struct {
		path    string
		modTime time.Time
	}

	var sessions []session

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		sessions = append(sessions, session{filepath.Join(lm.logDir, entry.Name()), info.ModTime()})
	}

	keep := max(lm.debug.MaxLogsToKeep-1, 0)
	if len(sessions) <= keep {
		return nil
	}

	slices.SortFunc(sessions, func(a, b session) int {
		return a.modTime.Compare(b.modTime)
	})

	for _, s := range sessions[:len(sessions)-keep] {
		if err := os.RemoveAll(s.path); err != nil {
			return err
		}
	}

	return nil
}
