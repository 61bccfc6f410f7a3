package metrics

import (
	"context"
	"time"

	"tradeflow/logger"
)

// QueueSampler reports the current length and capacity of a buffered queue.
type QueueSampler func() (length, capacity int)

// StartQueueMetrics emits occupancy gauges for the registered queues every
// interval until the context is cancelled. When interval <= 0, a
// one-second cadence is used.
func StartQueueMetrics(ctx context.Context, interval time.Duration, samplers map[string]QueueSampler) {
	if len(samplers) == 0 {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for name, sample := range samplers {
					if sample == nil {
						continue
					}
					length, capacity := sample()
					EmitMetric(log, "queue_buffers", name+"_buffer_length", length, "gauge", logger.Fields{
						"buffer":   name,
						"capacity": capacity,
					})
				}
			}
		}
	}()
}
