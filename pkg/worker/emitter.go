package worker

import (
	"context"

	"github.com/moonmindlabs/worker/pkg/log"
	"github.com/moonmindlabs/worker/pkg/queueclient"
)

// queueEmitter forwards stage lifecycle events to the queue client's
// appendEvent call. Failures are logged and swallowed: event emission must
// never block or fail a stage, per the worker loop's propagation policy.
type queueEmitter struct {
	ctx      context.Context
	client   *queueclient.Client
	jobID    string
	workerID string
}

func (e queueEmitter) Emit(name string, payload map[string]any) {
	err := e.client.AppendEvent(e.ctx, e.jobID, queueclient.EventRequest{
		WorkerID: e.workerID,
		Level:    queueclient.EventInfo,
		Message:  name,
		Payload:  payload,
	})
	if err != nil {
		log.WithJobID(e.jobID).Warn().Err(err).Str("event", name).Msg("append event failed")
	}
}
