package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// JetStreamPublisher is the subset of nats.JetStreamContext the sink uses.
type JetStreamPublisher interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSSink publishes entries to a JetStream subject. The per-entry subject is
// "<subject>.<event type>" so consumers can filter by kind.
type NATSSink struct {
	js      JetStreamPublisher
	subject string
	closeFn func()
	logger  *zap.Logger
}

// NewNATSSink ensures the stream exists and returns a sink that publishes
// under subject. closeFn, if set, runs on Close (typically nc.Drain).
func NewNATSSink(js JetStreamPublisher, stream, subject string, closeFn func(), logger *zap.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := js.StreamInfo(stream); err != nil {
		logger.Info("audit stream not found, creating it", zap.String("stream", stream), zap.String("subject", subject))
		_, createErr := js.AddStream(&nats.StreamConfig{
			Name:     stream,
			Subjects: []string{subject + ".>"},
			Storage:  nats.FileStorage,
		})
		if createErr != nil {
			return nil, fmt.Errorf("failed to create NATS stream %s: %w", stream, createErr)
		}
	}
	return &NATSSink{js: js, subject: subject, closeFn: closeFn, logger: logger}, nil
}

// ConnectNATS dials url and returns a sink on its JetStream context.
func ConnectNATS(url, stream, subject string, logger *zap.Logger) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("helius-ingestion-audit"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}
	sink, err := NewNATSSink(js, stream, subject, func() { _ = nc.Drain() }, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return sink, nil
}

func (s *NATSSink) Record(_ context.Context, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry %s: %w", entry.Signature, err)
	}
	subject := s.subject + "." + subjectToken(entry.EventType)
	ack, err := s.js.Publish(subject, payload)
	if err != nil {
		return fmt.Errorf("failed to publish audit entry %s to %s: %w", entry.Signature, subject, err)
	}
	s.logger.Debug("published audit entry",
		zap.String("subject", subject), zap.String("stream", ack.Stream), zap.Uint64("seq", ack.Sequence))
	return nil
}

func (s *NATSSink) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// subjectToken makes an event type safe to use as one subject token.
func subjectToken(eventType string) string {
	if eventType == "" {
		return "unknown"
	}
	out := []byte(eventType)
	for i, c := range out {
		switch c {
		case '.', '*', '>', ' ', '\t':
			out[i] = '_'
		}
	}
	return string(out)
}
