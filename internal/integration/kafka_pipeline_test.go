//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/couchcryptid/risk-attribution-service/internal/adapter/kafka"
	"github.com/couchcryptid/risk-attribution-service/internal/cache"
	"github.com/couchcryptid/risk-attribution-service/internal/calculation"
	"github.com/couchcryptid/risk-attribution-service/internal/catalog"
	"github.com/couchcryptid/risk-attribution-service/internal/config"
	"github.com/couchcryptid/risk-attribution-service/internal/domain"
	"github.com/couchcryptid/risk-attribution-service/internal/jobs"
	"github.com/couchcryptid/risk-attribution-service/internal/observability"
	"github.com/couchcryptid/risk-attribution-service/internal/pipeline"
	"github.com/couchcryptid/risk-attribution-service/internal/planner"
	"github.com/couchcryptid/risk-attribution-service/internal/runner"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
)

const (
	testSourceTopic = "test-scenario-requests"
	testSinkTopic   = "test-job-results"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("risk-attribution-test"))
	require.NoError(t, err, "start kafka container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)
	cc, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer cc.Close()

	require.NoError(t, cc.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

// flatModel answers every scenario with the same impact per return period.
type flatModel struct{}

func (flatModel) ComputeImpact(_ context.Context, req domain.ImpactRequest) (domain.ImpactResult, error) {
	values := make([]float64, len(req.ReturnPeriods))
	for i := range values {
		values[i] = float64(req.HazardYear-2000) * float64(i+1)
	}
	return domain.ImpactResult{Locations: []domain.LocationImpact{{Values: values}}}, nil
}

type sinkMessage struct {
	Event   domain.JobEvent
	Key     string
	Headers map[string]string
}

func readSink(ctx context.Context, t *testing.T, consumer *kafkago.Reader) sinkMessage {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	msg, err := consumer.ReadMessage(readCtx)
	require.NoError(t, err, "read from sink topic")

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	var event domain.JobEvent
	require.NoError(t, json.Unmarshal(msg.Value, &event), "unmarshal sink message")
	return sinkMessage{Event: event, Key: string(msg.Key), Headers: headers}
}

func testConfig(broker, group string) *config.Config {
	return &config.Config{
		KafkaBrokers:       []string{broker},
		KafkaSourceTopic:   testSourceTopic,
		KafkaSinkTopic:     testSinkTopic,
		KafkaGroupID:       fmt.Sprintf("%s-%d", group, time.Now().UnixNano()),
		BatchFlushInterval: 2 * time.Second,
	}
}

func newCalculation(t *testing.T, publisher jobs.Publisher, metrics *observability.Metrics) *calculation.Service {
	t.Helper()
	logger := discardLogger()
	newCache := func() *cache.ResultCache {
		return cache.New(cache.NewMemoryEntryStore(), cache.NewMemoryPayloadStore(), cache.Options{Logger: logger, Metrics: metrics})
	}
	cat, err := catalog.Default()
	require.NoError(t, err)

	js := jobs.NewService(jobs.NewMemoryStore(), newCache(), jobs.Options{Publisher: publisher}, logger, metrics)
	t.Cleanup(js.Close)
	r := runner.New(newCache(), flatModel{}, 4, logger, metrics)
	return calculation.New(planner.New(2020, cat), r, js, cat, nil, logger)
}

func scenarioMessage(t *testing.T, key string, kind domain.ReportKind) kafkago.Message {
	t.Helper()
	payload, err := json.Marshal(domain.IntakeRequest{
		Kind: kind,
		Request: domain.ScenarioRequest{
			HazardType:    domain.HazardTropicalCyclone,
			ImpactType:    "economic_loss",
			Location:      domain.Location{CountryISO3: "HTI"},
			ScenarioName:  "ssp245",
			TargetYear:    2060,
			ReturnPeriods: []domain.ReturnPeriod{"aai"},
			MeasureSlugs:  []string{"mangroves"},
		},
	})
	require.NoError(t, err)
	return kafkago.Message{Key: []byte(key), Value: payload}
}

// TestKafkaReaderWriter round-trips a scenario request through kafka.Reader
// and a job event through kafka.Writer.
func TestKafkaReaderWriter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testSourceTopic)
	createTopic(t, broker, testSinkTopic)
	cfg := testConfig(broker, "test-reader")

	producer := &kafkago.Writer{Addr: kafkago.TCP(broker), Topic: testSourceTopic}
	t.Cleanup(func() { _ = producer.Close() })
	msg := scenarioMessage(t, "req-1", domain.ReportCostBenefit)
	require.NoError(t, producer.WriteMessages(ctx, msg))

	// The consumer group may need time to rebalance before partitions are
	// assigned.
	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })

	var batch []domain.RawMessage
	for len(batch) == 0 {
		var err error
		batch, err = reader.ExtractBatch(ctx, 1)
		require.NoError(t, err)
		if ctx.Err() != nil {
			t.Fatal("timed out waiting for message from source topic")
		}
	}
	raw := batch[0]
	assert.Equal(t, []byte("req-1"), raw.Key)
	assert.JSONEq(t, string(msg.Value), string(raw.Value))
	assert.Equal(t, testSourceTopic, raw.Topic)
	require.NotNil(t, raw.Commit)
	require.NoError(t, raw.Commit(ctx))

	in, err := domain.ParseIntakeRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, domain.ReportCostBenefit, in.Kind)

	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })
	completed := time.Now().UTC()
	event := domain.JobEvent{
		JobID:       uuid.New(),
		Kind:        domain.ReportCostBenefit,
		Status:      domain.JobSuccess,
		RequestKey:  "key-1",
		SubmittedAt: completed.Add(-time.Minute),
		CompletedAt: &completed,
	}
	require.NoError(t, writer.LoadBatch(ctx, []domain.JobEvent{event}))

	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       testSinkTopic,
		GroupID:     fmt.Sprintf("test-consumer-%d", time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })

	sm := readSink(ctx, t, consumer)
	assert.Equal(t, event.JobID.String(), sm.Key)
	assert.Equal(t, "SUCCESS", sm.Headers["status"])
	assert.Equal(t, "costbenefit", sm.Headers["kind"])
	assert.Equal(t, "key-1", sm.Headers["request_key"])
	_, err = time.Parse(time.RFC3339, sm.Headers["submitted_at"])
	assert.NoError(t, err, "submitted_at should be valid RFC3339")
}

// TestPipelineEndToEnd runs the intake pipeline against real Kafka. Each
// valid request yields an acceptance event from the pipeline and a terminal
// event from the job service. A poison message is skipped.
func TestPipelineEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testSourceTopic)
	createTopic(t, broker, testSinkTopic)
	cfg := testConfig(broker, "test-pipeline")

	producer := &kafkago.Writer{Addr: kafkago.TCP(broker), Topic: testSourceTopic}
	t.Cleanup(func() { _ = producer.Close() })
	require.NoError(t, producer.WriteMessages(ctx,
		kafkago.Message{Key: []byte("bad"), Value: []byte("not-json{{{")},
		scenarioMessage(t, "cb", domain.ReportCostBenefit),
		scenarioMessage(t, "tl", domain.ReportTimeline),
	))

	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })
	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	metrics := observability.NewMetricsForTesting()
	calc := newCalculation(t, writer, metrics)
	p := pipeline.New(reader, pipeline.NewTransformer(calc, discardLogger()), writer, discardLogger(), metrics, 50)

	pipelineCtx, pipelineCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(pipelineCtx) }()

	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       testSinkTopic,
		GroupID:     fmt.Sprintf("test-sink-%d", time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })

	// Two requests, each with an acceptance and a terminal event.
	byJob := map[string][]domain.JobEvent{}
	for range 4 {
		sm := readSink(ctx, t, consumer)
		byJob[sm.Key] = append(byJob[sm.Key], sm.Event)
	}

	pipelineCancel()
	require.NoError(t, <-errCh)

	require.Len(t, byJob, 2)
	kinds := map[domain.ReportKind]bool{}
	for id, events := range byJob {
		require.Len(t, events, 2, "job %s", id)
		statuses := map[domain.JobStatus]domain.JobEvent{}
		for _, ev := range events {
			statuses[ev.Status] = ev
		}
		// The job may finish before the pipeline publishes its acceptance.
		require.Contains(t, statuses, domain.JobPending)
		require.Contains(t, statuses, domain.JobSuccess)
		done := statuses[domain.JobSuccess]
		require.NotNil(t, done.Result, done.Message)
		assert.Equal(t, statuses[domain.JobPending].RequestKey, done.RequestKey)
		kinds[done.Kind] = true
	}
	assert.True(t, kinds[domain.ReportCostBenefit])
	assert.True(t, kinds[domain.ReportTimeline])

	// The poison message produced nothing.
	readCtx, readCancel := context.WithTimeout(ctx, 5*time.Second)
	_, err := consumer.ReadMessage(readCtx)
	readCancel()
	assert.Error(t, err, "expected no further messages on sink topic")
}
