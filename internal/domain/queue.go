package domain

import (
	"context"
	"encoding/json"
	"time"
)

// QueueName identifies a job queue shared by producers and consumers.
type QueueName string

const (
	QueueIndexing            QueueName = "indexing"
	QueueFillIndexing        QueueName = "fill-indexing"
	QueueFillProcessing      QueueName = "fill-processing"
	QueueTradedTokenIndexing QueueName = "traded-token-indexing"
)

// JobName identifies the kind of work carried by a job.
type JobName string

const (
	JobIndexAppFillAttributions JobName = "index-app-fill-attributions"
	JobIndexFill                JobName = "index-fill"
	JobIndexTradedTokens        JobName = "index-traded-tokens"
	JobConvertProtocolFee       JobName = "convert-protocol-fee"
	JobConvertRelayerFees       JobName = "convert-relayer-fees"
)

// Job is the envelope carried by every queue backend.
type Job struct {
	ID          string          `json:"id"`
	Queue       QueueName       `json:"queue"`
	Name        JobName         `json:"name"`
	Data        json.RawMessage `json:"data"`
	RunAt       time.Time       `json:"runAt,omitempty"`
	PublishedAt time.Time       `json:"publishedAt"`
	// Attempt is set by the consumer runtime; 1 on first delivery.
	Attempt int `json:"-"`
}

// PublishOptions tune a single publish call.
type PublishOptions struct {
	// Delay postpones execution until now+Delay.
	Delay time.Duration
	// JobID overrides the generated envelope id.
	JobID string
}

// PublishOption mutates PublishOptions.
type PublishOption func(*PublishOptions)

// WithDelay postpones the job by d.
func WithDelay(d time.Duration) PublishOption {
	return func(o *PublishOptions) { o.Delay = d }
}

// WithJobID sets a deterministic envelope id.
func WithJobID(id string) PublishOption {
	return func(o *PublishOptions) { o.JobID = id }
}

// JobPublisher enqueues jobs.
type JobPublisher interface {
	Publish(ctx context.Context, queue QueueName, name JobName, payload any, opts ...PublishOption) error
}

// JobHandler processes jobs of a single (queue, name) pair. A returned error
// leaves the job eligible for redelivery.
type JobHandler interface {
	QueueName() QueueName
	JobName() JobName
	Handle(ctx context.Context, job Job) error
}

// JobSource delivers jobs from one queue to a callback until ctx is done.
type JobSource interface {
	Consume(ctx context.Context, queue QueueName, fn func(context.Context, Job) error) error
}
