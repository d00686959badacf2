package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"bustrack/common/mqtt"
	"bustrack/internal/models"

	"go.uber.org/zap"
)

// Subscriber MQTT 订阅能力
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// MQTTConsumer 从 tracker/<id>/packet 接收报文：原始厂商行或 JSON 定位
type MQTTConsumer struct {
	client Subscriber
	topic  string
	qos    byte
	sink   Sink
	logger *zap.Logger
}

// NewMQTTConsumer 创建 MQTT 消费者
func NewMQTTConsumer(client Subscriber, topic string, qos byte, sink Sink, logger *zap.Logger) *MQTTConsumer {
	return &MQTTConsumer{
		client: client,
		topic:  topic,
		qos:    qos,
		sink:   sink,
		logger: logger,
	}
}

// Start 订阅主题
func (c *MQTTConsumer) Start(ctx context.Context) error {
	handler := func(topic string, payload []byte) error {
		return c.handleMessage(ctx, topic, payload)
	}
	if err := c.client.Subscribe(c.topic, c.qos, handler); err != nil {
		return fmt.Errorf("failed to subscribe to packet topic: %w", err)
	}
	c.logger.Info("MQTT packet consumer started", zap.String("topic", c.topic))
	return nil
}

// Stop 取消订阅
func (c *MQTTConsumer) Stop(ctx context.Context) error {
	if err := c.client.Unsubscribe(c.topic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}
	c.logger.Info("MQTT packet consumer stopped")
	return nil
}

func (c *MQTTConsumer) handleMessage(ctx context.Context, topic string, payload []byte) error {
	c.logger.Debug("Received MQTT message",
		zap.String("topic", topic),
		zap.Int("payload_size", len(payload)),
	)

	body := bytes.TrimSpace(payload)
	if len(body) == 0 {
		return nil
	}

	if body[0] != '{' {
		for _, line := range strings.Split(string(body), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				c.sink.IngestLine(ctx, line)
			}
		}
		return nil
	}

	var fix models.PositionFix
	if err := json.Unmarshal(body, &fix); err != nil {
		return fmt.Errorf("failed to unmarshal position: %w", err)
	}
	// 主题格式: tracker/{tracker_id}/packet
	if fix.TrackerID == "" {
		parts := strings.Split(topic, "/")
		if len(parts) >= 3 {
			fix.TrackerID = parts[1]
		}
	}
	if _, err := c.sink.Ingest(ctx, &fix); err != nil {
		return fmt.Errorf("failed to ingest position: %w", err)
	}
	return nil
}
