package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"bustrack/common/config"
	"bustrack/internal/models"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// PublisherMetrics NATS 发布指标
type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

type natsConn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher 将位置镜像到 <prefix>.<route>.<bus>
type NATSPublisher struct {
	nc      natsConn
	closer  *nats.Conn
	prefix  string
	metrics PublisherMetrics
	logger  *zap.Logger
}

// NewNATSPublisher 连接 NATS
func NewNATSPublisher(cfg *config.NATSConfig, m PublisherMetrics, logger *zap.Logger) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			logger.Info("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Info("NATS connection closed")
		}),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, nats.Timeout(cfg.Timeout))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	p := newNATSPublisher(nc, cfg.SubjectPrefix, m, logger)
	p.closer = nc
	return p, nil
}

func newNATSPublisher(nc natsConn, prefix string, m PublisherMetrics, logger *zap.Logger) *NATSPublisher {
	return &NATSPublisher{nc: nc, prefix: prefix, metrics: m, logger: logger}
}

// Name 发布器名称
func (p *NATSPublisher) Name() string { return "nats" }

// Close 排空并关闭连接
func (p *NATSPublisher) Close() {
	if p.closer != nil {
		p.closer.Drain()
		p.closer.Close()
	}
}

// Subject 位置的发布主题
func (p *NATSPublisher) Subject(fix *models.PositionFix) string {
	subject := fmt.Sprintf("%s.%s", subjectToken(fix.BusNumber), subjectToken(fix.BusID))
	if p.prefix != "" {
		subject = strings.TrimSuffix(p.prefix, ".") + "." + subject
	}
	return subject
}

// Publish 发布一个位置
func (p *NATSPublisher) Publish(ctx context.Context, fix *models.PositionFix) error {
	b, err := json.Marshal(fix)
	if err != nil {
		return fmt.Errorf("failed to marshal position: %w", err)
	}
	subject := p.Subject(fix)
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	p.logger.Debug("Position mirrored", zap.String("subject", subject))
	return nil
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
