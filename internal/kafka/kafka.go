// Package kafka publishes normalized reports to Kafka topics as JSON.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
	"go.uber.org/zap"

	"dmarcwatch/internal/config"
	"dmarcwatch/internal/report"
)

// Client implements report.Sink over Kafka producers, one writer per topic.
type Client struct {
	config          config.KafkaConfig
	logger          *zap.Logger
	aggregateWriter *kafka.Writer
	forensicWriter  *kafka.Writer
}

// New creates a Kafka client. Writers are lazy; no broker connection is made
// until the first report.
func New(cfg config.KafkaConfig, logger *zap.Logger) *Client {
	dialer := buildDialer(cfg)
	return &Client{
		config:          cfg,
		logger:          logger,
		aggregateWriter: newWriter(cfg, cfg.AggregateTopic, dialer),
		forensicWriter:  newWriter(cfg, cfg.ForensicTopic, dialer),
	}
}

// buildDialer configures transport security and SASL from config. A nil
// return means the default dialer suffices.
func buildDialer(cfg config.KafkaConfig) *kafka.Dialer {
	var dialer *kafka.Dialer

	ensure := func() {
		if dialer == nil {
			dialer = &kafka.Dialer{
				Timeout:   10 * time.Second,
				DualStack: true,
			}
		}
	}

	if cfg.SSL {
		ensure()
		dialer.TLS = &tls.Config{InsecureSkipVerify: cfg.SkipVerify}
	}
	if cfg.Username != "" && cfg.Password != "" {
		ensure()
		dialer.SASLMechanism = plain.Mechanism{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}
	return dialer
}

func newWriter(cfg config.KafkaConfig, topic string, dialer *kafka.Dialer) *kafka.Writer {
	if topic == "" || len(cfg.Hosts) == 0 {
		return nil
	}
	writerConfig := kafka.WriterConfig{
		Brokers:  cfg.Hosts,
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
	if dialer != nil {
		writerConfig.Dialer = dialer
	}
	return kafka.NewWriter(writerConfig)
}

// StoreAggregateReport publishes one aggregate report.
func (c *Client) StoreAggregateReport(agg *report.AggregateReport) error {
	if c.aggregateWriter == nil {
		return nil
	}

	data, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("failed to marshal aggregate report: %w", err)
	}

	msg := kafka.Message{
		Key:   aggregateKey(agg),
		Value: data,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "type", Value: []byte("aggregate")},
			{Key: "domain", Value: []byte(agg.PolicyPublished.Domain)},
			{Key: "org", Value: []byte(agg.ReportMetadata.OrgName)},
		},
	}
	return c.send(c.aggregateWriter, c.config.AggregateTopic, msg)
}

// StoreForensicReport publishes one forensic report.
func (c *Client) StoreForensicReport(fr *report.ForensicReport) error {
	if c.forensicWriter == nil {
		return nil
	}

	data, err := json.Marshal(fr)
	if err != nil {
		return fmt.Errorf("failed to marshal forensic report: %w", err)
	}

	msg := kafka.Message{
		Key:   forensicKey(fr),
		Value: data,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "type", Value: []byte("forensic")},
			{Key: "domain", Value: []byte(fr.ReportedDomain)},
			{Key: "source_ip", Value: []byte(fr.Source.IPAddress)},
		},
	}
	return c.send(c.forensicWriter, c.config.ForensicTopic, msg)
}

// aggregateKey partitions by the natural report identifier, so reporter
// retransmissions land on the same partition for downstream dedup.
func aggregateKey(agg *report.AggregateReport) []byte {
	return []byte(fmt.Sprintf("%s!%s", agg.ReportMetadata.OrgName, agg.ReportMetadata.ReportID))
}

func forensicKey(fr *report.ForensicReport) []byte {
	return []byte(fmt.Sprintf("%s-%d", fr.Source.IPAddress, fr.ArrivalDate.Unix()))
}

func (c *Client) send(writer *kafka.Writer, topic string, msg kafka.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := writer.WriteMessages(ctx, msg); err != nil {
		c.logger.Error("Failed to send message to Kafka",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return fmt.Errorf("failed to send message to Kafka topic %s: %w", topic, err)
	}

	c.logger.Debug("Sent message to Kafka",
		zap.String("topic", topic),
		zap.String("key", string(msg.Key)),
	)
	return nil
}

// Close closes every topic writer.
func (c *Client) Close() error {
	var first error
	for _, writer := range []*kafka.Writer{c.aggregateWriter, c.forensicWriter} {
		if writer == nil {
			continue
		}
		if err := writer.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
