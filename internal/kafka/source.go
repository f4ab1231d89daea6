// Package kafka feeds raw location reports from Kafka topics into the
// ingestion pipeline. The source is optional; HTTP remains the primary
// intake path.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/config"
	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/coordinator"
	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/metrics"
	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/position"
)

// Submitter is the slice of the coordinator the source needs.
type Submitter interface {
	SubmitPosition(raw position.Raw) (*position.Position, error)
}

type Source struct {
	client    *kgo.Client
	submitter Submitter
	logger    *zap.Logger
	joined    atomic.Bool
}

func NewSource(cfg config.KafkaConfig, submitter Submitter, logger *zap.Logger) (*Source, error) {
	s := &Source{submitter: submitter, logger: logger}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ClientID(cfg.ClientID),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			s.joined.Store(true)
			logger.Info("kafka source: partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			s.joined.Store(false)
			logger.Info("kafka source: partitions revoked")
		}),
	}

	tlsCfg, err := cfg.BuildTLSConfig()
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if mech := cfg.BuildSASLMechanism(); mech != nil {
		opts = append(opts, kgo.SASL(mech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	s.client = client
	return s, nil
}

// Run polls until ctx is canceled. Each record value is one raw JSON
// report. Offsets are committed only after the record has been handed to
// the pipeline, so a crash between poll and submit replays records rather
// than dropping them. Undecodable and invalid records are committed: they
// would fail identically on every replay.
func (s *Source) Run(ctx context.Context) {
	for {
		fetches := s.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				s.logger.Error("kafka source: fetch error",
					zap.String("topic", e.Topic),
					zap.Int32("partition", e.Partition),
					zap.Error(e.Err),
				)
			}
		}

		// Marking stops at the first record rejected by a shutdown;
		// committing a later offset would silently cover the earlier ones.
		marked := 0
		stopped := false
		fetches.EachRecord(func(r *kgo.Record) {
			if stopped {
				return
			}
			if !s.handleRecord(r) {
				stopped = true
				return
			}
			s.client.MarkCommitRecords(r)
			marked++
		})

		if marked > 0 {
			if err := s.client.CommitMarkedOffsets(ctx); err != nil {
				s.logger.Error("kafka source: commit offsets failed", zap.Error(err))
			}
		}

		if stopped {
			s.logger.Info("kafka source: intake closed, leaving poll loop")
			return
		}
	}
}

// handleRecord decodes and submits one record. The return reports whether
// the record's offset may be committed; only a gateway shutdown holds a
// record back for replay.
func (s *Source) handleRecord(r *kgo.Record) bool {
	var raw position.Raw
	if err := json.Unmarshal(r.Value, &raw); err != nil {
		metrics.KafkaMessagesTotal.WithLabelValues(r.Topic, "decode_error").Inc()
		s.logger.Warn("kafka source: undecodable record",
			zap.String("topic", r.Topic),
			zap.Int64("offset", r.Offset),
			zap.Error(err))
		return true
	}

	_, err := s.submitter.SubmitPosition(raw)
	switch {
	case err == nil:
		metrics.KafkaMessagesTotal.WithLabelValues(r.Topic, "accepted").Inc()
	case errors.Is(err, position.ErrDuplicate):
		metrics.KafkaMessagesTotal.WithLabelValues(r.Topic, "duplicate").Inc()
	case errors.Is(err, coordinator.ErrShuttingDown):
		return false
	default:
		metrics.KafkaMessagesTotal.WithLabelValues(r.Topic, "invalid").Inc()
		s.logger.Warn("kafka source: rejected record",
			zap.String("topic", r.Topic),
			zap.Int64("offset", r.Offset),
			zap.Error(err))
	}
	return true
}

func (s *Source) IsJoined() bool {
	return s.joined.Load()
}

func (s *Source) Close() {
	s.client.Close()
}
