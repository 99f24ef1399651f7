package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahrav/sourcefleet/internal/domain/events"
	"github.com/ahrav/sourcefleet/internal/domain/source"
)

// auditedEvents is every event type the manager publishes.
var auditedEvents = []events.EventType{
	source.EventTypeSourceIssued,
	source.EventTypeSourceAcknowledged,
	source.EventTypeSourceFinalized,
	source.EventTypeSourceTimedOut,
	source.EventTypeSourceRecovered,
	source.EventTypeSourceInvalidReport,
	source.EventTypeSourcePurged,
}

func newAuditCmd(env envFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Tail source lifecycle events as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := env()
			if err != nil {
				return err
			}
			if !cfg.Kafka.Enabled() || cfg.Kafka.GroupID == "" {
				return errors.New("audit needs kafka.brokers and kafka.group_id")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := buildDeps(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer d.close(context.Background())

			if err := d.bus.Subscribe(ctx, auditedEvents, auditHandler(cmd.OutOrStdout())); err != nil {
				return fmt.Errorf("subscribing: %w", err)
			}
			<-ctx.Done()
			return nil
		},
	}
}

// auditLine is one printed event.
type auditLine struct {
	Type      events.EventType `json:"type"`
	Key       string           `json:"key,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Partition int32            `json:"partition"`
	Offset    int64            `json:"offset"`
	Payload   any              `json:"payload"`
}

// auditHandler writes each event to w and acknowledges it once written.
func auditHandler(w io.Writer) events.HandlerFunc {
	var mu sync.Mutex
	enc := json.NewEncoder(w)

	return func(ctx context.Context, env events.EventEnvelope, ack events.AckFunc) error {
		line := auditLine{
			Type:      env.Type,
			Key:       env.Key,
			Timestamp: env.Timestamp,
			Partition: env.Metadata.Partition,
			Offset:    env.Metadata.Offset,
			Payload:   env.Payload,
		}

		mu.Lock()
		err := enc.Encode(line)
		mu.Unlock()

		ack(err)
		return err
	}
}
