//go:build integration

package jobs_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"quickapi/internal/jobs"
	"quickapi/internal/platform/kafka/producer"
	"quickapi/pkg/testutil/containers"
)

func TestDispatcherPublishesToKafka(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	kafka := containers.GetManager().GetKafka(t)

	topic := "quick-simulations-it"
	require.NoError(t, kafka.CreateTopic(ctx, topic, 3))

	prod, err := producer.New(producer.Config{
		Brokers:         kafka.Brokers,
		ClientID:        "quickapi-jobs-test",
		Acks:            "all",
		DeliveryTimeout: 10 * time.Second,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = prod.Close() })

	d := jobs.NewDispatcher(jobs.NewKafkaTransport(prod, topic))
	receipt, err := d.Submit(ctx, &jobs.Job{
		Kind:     jobs.KindOrtho,
		ClientID: "acme",
		APIID:    "quick-simulations",
		Params:   map[string]any{"mode": "ortho"},
		Photo:    jobs.Photo{ContentType: "image/png", Size: 3, Data: []byte("png")},
	})
	require.NoError(t, err)

	record, err := kafka.ConsumeOne(ctx, topic, 15*time.Second, func(r *kgo.Record) bool {
		return string(r.Key) == "acme"
	})
	require.NoError(t, err)

	var got jobs.Job
	require.NoError(t, json.Unmarshal(record.Value, &got))
	require.Equal(t, receipt.JobID, got.ID)
	require.Equal(t, jobs.KindOrtho, got.Kind)
	require.Equal(t, []byte("png"), got.Photo.Data)
}
