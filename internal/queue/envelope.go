// Package queue holds the job envelope codec and the consumer runtime that
// routes jobs to their handlers.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/fillindexer/internal/domain"
)

// NewJob builds an envelope for payload. now is the publish time.
func NewJob(queue domain.QueueName, name domain.JobName, payload any, now time.Time, opts ...domain.PublishOption) (domain.Job, error) {
	var o domain.PublishOptions
	for _, opt := range opts {
		opt(&o)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Job{}, fmt.Errorf("queue: marshal %s payload: %w", name, err)
	}

	id := o.JobID
	if id == "" {
		id = uuid.NewString()
	}

	job := domain.Job{
		ID:          id,
		Queue:       queue,
		Name:        name,
		Data:        data,
		PublishedAt: now.UTC(),
	}
	if o.Delay > 0 {
		job.RunAt = now.Add(o.Delay).UTC()
	}
	return job, nil
}

// Encode serializes an envelope.
func Encode(job domain.Job) ([]byte, error) {
	b, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("queue: encode job %s: %w", job.ID, err)
	}
	return b, nil
}

// Decode parses an envelope. Malformed input wraps domain.ErrInvalidInput.
func Decode(b []byte) (domain.Job, error) {
	var job domain.Job
	if err := json.Unmarshal(b, &job); err != nil {
		return domain.Job{}, fmt.Errorf("queue: decode job: %w: %w", domain.ErrInvalidInput, err)
	}
	if job.Queue == "" || job.Name == "" {
		return domain.Job{}, fmt.Errorf("queue: decode job %q: missing queue or name: %w", job.ID, domain.ErrInvalidInput)
	}
	return job, nil
}

// IsPermanent reports whether retrying err cannot succeed. Backends
// dead-letter such jobs instead of redelivering them.
func IsPermanent(err error) bool {
	return errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrUnknownJob)
}
