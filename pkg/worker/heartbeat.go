package worker

import (
	"context"
	"sync"
	"time"

	"github.com/moonmindlabs/worker/pkg/log"
	"github.com/moonmindlabs/worker/pkg/metrics"
	"github.com/moonmindlabs/worker/pkg/queueclient"
)

// heartbeatLoop renews jobID's lease every leaseSeconds/3 until stop fires,
// closing cancelSignal the first time the server reports a cancellation
// request. Heartbeat failures degrade to a warning and a metric, never
// terminal, per the worker loop's propagation policy.
type heartbeatLoop struct {
	client       *queueclient.Client
	jobID        string
	workerID     string
	leaseSeconds int

	cancelOnce   sync.Once
	cancelSignal chan struct{}

	stop chan struct{}
	done chan struct{}
}

func newHeartbeatLoop(client *queueclient.Client, jobID, workerID string, leaseSeconds int) *heartbeatLoop {
	return &heartbeatLoop{
		client:       client,
		jobID:        jobID,
		workerID:     workerID,
		leaseSeconds: leaseSeconds,
		cancelSignal: make(chan struct{}),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (h *heartbeatLoop) start(ctx context.Context) {
	interval := time.Duration(h.leaseSeconds) * time.Second / 3
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		defer close(h.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.beat(ctx)
			}
		}
	}()
}

func (h *heartbeatLoop) beat(ctx context.Context) {
	resp, err := h.client.Heartbeat(ctx, h.jobID, queueclient.HeartbeatRequest{
		WorkerID:     h.workerID,
		LeaseSeconds: h.leaseSeconds,
	})
	if err != nil {
		metrics.WorkerHeartbeatFailuresTotal.Inc()
		log.WithJobID(h.jobID).Warn().Err(err).Msg("heartbeat failed")
		return
	}
	if resp.CancelRequestedAt != "" {
		h.cancelOnce.Do(func() { close(h.cancelSignal) })
	}
}

// stopAndWait signals the loop to exit and waits for its goroutine to
// return, bounded by a short grace period.
func (h *heartbeatLoop) stopAndWait() {
	close(h.stop)
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
	}
}
