// Package metrics emits workflow counters and timings to a DogStatsD agent.
package metrics

import (
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
)

const (
	WorkflowStarted   = "return_workflow.started"
	WorkflowApproved  = "return_workflow.approved"
	WorkflowRejected  = "return_workflow.rejected"
	WorkflowCompleted = "return_workflow.completed"
	WorkflowConflict  = "return_workflow.conflict"
	WorkflowFailed    = "return_workflow.failed"
	OperationLatency  = "return_workflow.operation_latency"
	NotificationSent  = "return_workflow.notification_sent"
	NotificationError = "return_workflow.notification_error"
)

// Recorder records engine metrics. The zero value is not usable; use New or Nop.
type Recorder struct {
	client     statsd.ClientInterface
	sampleRate float64
}

// New connects to a DogStatsD agent at addr.
func New(addr, service, env string, sampleRate float64) (*Recorder, error) {
	client, err := statsd.New(addr,
		statsd.WithTags([]string{"service:" + service, "env:" + env}),
	)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client, sampleRate), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client statsd.ClientInterface, sampleRate float64) *Recorder {
	if sampleRate <= 0 || sampleRate > 1 {
		sampleRate = 1
	}
	return &Recorder{client: client, sampleRate: sampleRate}
}

// Nop returns a recorder backed by statsd.NoOpClient.
func Nop() *Recorder {
	return NewWithClient(&statsd.NoOpClient{}, 1)
}

// Incr increments a counter.
func (r *Recorder) Incr(name string, tags ...string) {
	_ = r.client.Incr(name, tags, r.sampleRate)
}

// Timing records the elapsed time since start for an operation.
func (r *Recorder) Timing(operation string, start time.Time, tags ...string) {
	_ = r.client.Timing(OperationLatency, time.Since(start), append(tags, "operation:"+operation), r.sampleRate)
}

// Close flushes and closes the underlying client.
func (r *Recorder) Close() error {
	return r.client.Close()
}
