package storage

import (
	"context"
	"time"

	ilog "netinterceptor/internal/logger"

	gormlogger "gorm.io/gorm/logger"
)

// generationKey 归档写入时放入 context 的世代ID
type generationKey struct{}

func withGeneration(ctx context.Context, gen string) context.Context {
	return context.WithValue(ctx, generationKey{}, gen)
}

func generationOf(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	gen, _ := ctx.Value(generationKey{}).(string)
	return gen
}

// GormLogger 归档库的 SQL 日志，输出到项目日志并带上世代ID
type GormLogger struct {
	log       ilog.Logger
	level     gormlogger.LogLevel
	slowQuery time.Duration
}

// NewGormLogger 默认只输出告警与错误
func NewGormLogger(l ilog.Logger) *GormLogger {
	return &GormLogger{log: l, level: gormlogger.Warn, slowQuery: time.Second}
}

func (g *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	c := *g
	c.level = level
	return &c
}

func (g *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if g.level >= gormlogger.Info {
		g.log.Info(msg, g.kv(ctx, data)...)
	}
}

func (g *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if g.level >= gormlogger.Warn {
		g.log.Warn(msg, g.kv(ctx, data)...)
	}
}

func (g *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if g.level >= gormlogger.Error {
		g.log.Error(msg, g.kv(ctx, data)...)
	}
}

// Trace 失败的语句按错误输出，超过 slowQuery 的按告警输出，其余只在 Info 级别下以 debug 输出
func (g *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	kv := g.kv(ctx, []any{"sql", sql, "rows", rows, "elapsed", elapsed})

	switch {
	case err != nil && g.level >= gormlogger.Error:
		g.log.Err(err, "归档SQL执行错误", kv...)
	case g.slowQuery > 0 && elapsed > g.slowQuery && g.level >= gormlogger.Warn:
		g.log.Warn("归档慢SQL", append(kv, "threshold", g.slowQuery)...)
	case g.level >= gormlogger.Info:
		g.log.Debug("归档SQL执行", kv...)
	}
}

func (g *GormLogger) kv(ctx context.Context, data []any) []any {
	return append([]any{"generation", generationOf(ctx)}, data...)
}
