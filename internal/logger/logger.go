// Package logger — общий логгер сервисов поверх zap: префикс сервиса, уровни,
// логирование времени выполнения функций.
package logger

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// slowThreshold — вызовы дольше этого порога логируются на уровне info, остальные на debug.
const slowThreshold = 100 * time.Millisecond

var (
	raw     atomic.Pointer[zap.Logger]
	base    atomic.Pointer[zap.Logger]
	sugared atomic.Pointer[zap.SugaredLogger]
	prefix  atomic.Value
	once    sync.Once
)

// Init собирает zap-логгер. env=production — JSON и sampling, иначе development-конфиг.
// Неизвестный level трактуется как info.
func Init(env, level string) error {
	var cfg zap.Config
	if env == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("logger.Init: %w", err)
	}
	set(l)
	return nil
}

// Replace подменяет логгер (тесты: zaptest/observer, zap.NewNop).
func Replace(l *zap.Logger) {
	set(l)
}

func set(l *zap.Logger) {
	raw.Store(l)
	if p, _ := prefix.Load().(string); p != "" {
		l = l.With(zap.String("service", p))
	}
	base.Store(l)
	sugared.Store(l.Sugar())
}

func initDefault() {
	if base.Load() != nil {
		return
	}
	env := os.Getenv("APP_ENV")
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	if err := Init(env, level); err != nil {
		set(zap.NewNop())
	}
}

func sugar() *zap.SugaredLogger {
	once.Do(initDefault)
	return sugared.Load()
}

// L возвращает структурный логгер для мест, где нужны поля (zap.String, zap.Error).
func L() *zap.Logger {
	once.Do(initDefault)
	return base.Load()
}

// SetPrefix задаёт имя сервиса, которое попадает в поле service всех последующих записей.
func SetPrefix(p string) {
	prefix.Store(p)
	if l := raw.Load(); l != nil {
		set(l)
	}
}

func Debugf(format string, v ...any) { sugar().Debugf(format, v...) }

func Info(v ...any) { sugar().Info(v...) }

func Infof(format string, v ...any) { sugar().Infof(format, v...) }

func Warnf(format string, v ...any) { sugar().Warnf(format, v...) }

func Error(v ...any) { sugar().Error(v...) }

func Errorf(format string, v ...any) { sugar().Errorf(format, v...) }

// Sync сбрасывает буферы; вызывать в defer в main.
func Sync() {
	if l := base.Load(); l != nil {
		_ = l.Sync()
	}
}

// LogDuration логирует имя функции и время выполнения.
// Медленные вызовы (>=100ms) — info, остальные — debug.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	l := L()
	fields := []zap.Field{zap.String("fn", fn), zap.Int64("duration_ms", elapsed.Milliseconds())}
	if elapsed >= slowThreshold {
		l.Info("slow call", fields...)
		return
	}
	l.Debug("call", fields...)
}

// DeferLogDuration возвращает функцию для defer: defer logger.DeferLogDuration("groupRepo.Create", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
