package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"quickapi/internal/platform/kafka/producer"
)

// Publisher is the subset of the Kafka producer used to publish jobs.
type Publisher interface {
	Produce(ctx context.Context, msg *producer.Message) error
}

// KafkaTransport publishes jobs as JSON records keyed by client id, so one
// client's jobs stay ordered within a partition.
type KafkaTransport struct {
	publisher Publisher
	topic     string
}

// NewKafkaTransport creates a transport writing to topic.
func NewKafkaTransport(p Publisher, topic string) *KafkaTransport {
	return &KafkaTransport{publisher: p, topic: topic}
}

// Publish implements Transport.
func (k *KafkaTransport) Publish(ctx context.Context, job *Job) error {
	value, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	headers := map[string]string{
		"job_id":    job.ID,
		"job_kind":  string(job.Kind),
		"client_id": job.ClientID,
	}
	if job.RequestID != "" {
		headers["request_id"] = job.RequestID
	}
	return k.publisher.Produce(ctx, &producer.Message{
		Topic:   k.topic,
		Key:     []byte(job.ClientID),
		Value:   value,
		Headers: headers,
	})
}

// DefaultMemoryCapacity bounds the jobs a MemoryTransport keeps.
const DefaultMemoryCapacity = 256

// MemoryTransport keeps the most recent jobs in process. It backs
// deployments without a broker and tests.
type MemoryTransport struct {
	mu       sync.Mutex
	jobs     []Job
	capacity int
	err      error
}

// NewMemoryTransport creates a transport retaining up to capacity jobs.
// Non-positive capacity uses DefaultMemoryCapacity.
func NewMemoryTransport(capacity int) *MemoryTransport {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryTransport{capacity: capacity}
}

// Publish implements Transport.
func (m *MemoryTransport) Publish(ctx context.Context, job *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	cp := *job
	cp.Photo.Data = append([]byte(nil), job.Photo.Data...)
	if len(m.jobs) == m.capacity {
		m.jobs = m.jobs[1:]
	}
	m.jobs = append(m.jobs, cp)
	return nil
}

// FailWith makes every later Publish return err. nil restores success.
func (m *MemoryTransport) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Jobs returns the retained jobs, oldest first.
func (m *MemoryTransport) Jobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, len(m.jobs))
	copy(out, m.jobs)
	return out
}
