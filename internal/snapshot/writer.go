package snapshot

import (
	"context"
	"sync"
	"time"

	"bustrack/internal/models"

	"go.uber.org/zap"
)

const (
	// DefaultInterval 同一设备两次落库的最小间隔
	DefaultInterval = 30 * time.Minute

	defaultQueueSize = 1024
	defaultWorkers   = 2
)

// Sink 快照落库
type Sink interface {
	Insert(ctx context.Context, fix *models.PositionFix) error
}

// WriterMetrics 快照指标
type WriterMetrics interface {
	SnapshotSavedInc()
	SnapshotFailedInc()
}

// Writer 异步快照写入器：按设备限频，失败只记日志
type Writer struct {
	sink     Sink
	interval time.Duration
	queue    chan *models.PositionFix
	metrics  WriterMetrics
	logger   *zap.Logger

	wg sync.WaitGroup
}

// NewWriter 创建快照写入器
func NewWriter(sink Sink, interval time.Duration, metrics WriterMetrics, logger *zap.Logger) *Writer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Writer{
		sink:     sink,
		interval: interval,
		queue:    make(chan *models.PositionFix, defaultQueueSize),
		metrics:  metrics,
		logger:   logger,
	}
}

// Due 距上次落库是否已满一个间隔；lastSaved 为毫秒时间戳，0 表示从未落库
func (w *Writer) Due(lastSaved int64, now time.Time) bool {
	if lastSaved <= 0 {
		return true
	}
	return now.Sub(time.UnixMilli(lastSaved)) >= w.interval
}

// Submit 提交一次落库，不阻塞；队列满时丢弃
func (w *Writer) Submit(fix *models.PositionFix) bool {
	select {
	case w.queue <- fix.Clone():
		return true
	default:
		w.logger.Warn("Snapshot queue full, dropping position",
			zap.String("tracker_id", fix.TrackerID),
			zap.String("bus_id", fix.BusID),
		)
		if w.metrics != nil {
			w.metrics.SnapshotFailedInc()
		}
		return false
	}
}

// Start 启动写入协程，ctx 取消后排空队列退出
func (w *Writer) Start(ctx context.Context) {
	for i := 0; i < defaultWorkers; i++ {
		w.wg.Add(1)
		go w.run(ctx)
	}
}

// Wait 等待写入协程退出
func (w *Writer) Wait() {
	w.wg.Wait()
}

func (w *Writer) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case fix := <-w.queue:
			w.save(context.Background(), fix)
		}
	}
}

func (w *Writer) drain() {
	for {
		select {
		case fix := <-w.queue:
			w.save(context.Background(), fix)
		default:
			return
		}
	}
}

func (w *Writer) save(ctx context.Context, fix *models.PositionFix) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := w.sink.Insert(ctx, fix); err != nil {
		w.logger.Error("Failed to save position snapshot",
			zap.String("tracker_id", fix.TrackerID),
			zap.String("bus_id", fix.BusID),
			zap.Error(err),
		)
		if w.metrics != nil {
			w.metrics.SnapshotFailedInc()
		}
		return
	}
	if w.metrics != nil {
		w.metrics.SnapshotSavedInc()
	}
}
