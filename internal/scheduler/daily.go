package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// NextMidnight now 之后（不含）的下一个本地零点
func NextMidnight(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

// Daily 每天在指定时区零点执行一次任务
type Daily struct {
	name   string
	loc    *time.Location
	task   func(ctx context.Context) error
	logger *zap.Logger

	now func() time.Time
}

// NewDaily 创建每日任务
func NewDaily(name string, loc *time.Location, task func(ctx context.Context) error, logger *zap.Logger) *Daily {
	if loc == nil {
		loc = time.UTC
	}
	return &Daily{
		name:   name,
		loc:    loc,
		task:   task,
		logger: logger,
		now:    time.Now,
	}
}

// Run 阻塞运行直到 ctx 取消；任务失败只记录日志
func (d *Daily) Run(ctx context.Context) {
	for {
		next := NextMidnight(d.now(), d.loc)
		wait := next.Sub(d.now())
		d.logger.Info("Next scheduled run",
			zap.String("task", d.name),
			zap.Time("at", next),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := d.task(ctx); err != nil {
			d.logger.Error("Scheduled task failed", zap.String("task", d.name), zap.Error(err))
			continue
		}
		d.logger.Info("Scheduled task completed", zap.String("task", d.name))
	}
}
