// Package telemetry emits service metrics to CloudWatch.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"membership/internal/types"
)

// putTimeout bounds a single PutMetricData call made outside a request
// context.
const putTimeout = 2 * time.Second

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics records API request and webhook reconciliation metrics.
//
// Metrics emitted:
//   - APILatency: Dims {Endpoint, Status}, milliseconds
//   - APIRequests: Dims {Endpoint, Status}, count
//   - WebhookEvent: Dims {Provider, EventType, Result}, count
//
// Emission failures are logged and never surface to the caller.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchMetrics creates a collector publishing under namespace. An
// empty namespace falls back to types.MetricNamespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordRequest emits latency and count for one API request. endpoint should
// be the route pattern rather than the raw path to keep dimension cardinality
// bounded.
func (m *CloudWatchMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	dims := []cwtypes.Dimension{
		{Name: aws.String(types.DimEndpoint), Value: aws.String(method + " " + endpoint)},
		{Name: aws.String(types.DimStatus), Value: aws.String(status)},
	}

	ctx, cancel := context.WithTimeout(context.Background(), putTimeout)
	defer cancel()

	m.put(ctx, []cwtypes.MetricDatum{
		{
			MetricName: aws.String(types.MetricAPILatency),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: dims,
		},
		{
			MetricName: aws.String(types.MetricAPIRequests),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: dims,
		},
	}, slog.String("endpoint", endpoint), slog.String("status", status))
}

// WebhookEvent counts one reconciled webhook delivery.
func (m *CloudWatchMetrics) WebhookEvent(ctx context.Context, provider types.GatewayProvider, event, result string) {
	if event == "" {
		event = "unknown"
	}
	m.put(ctx, []cwtypes.MetricDatum{
		{
			MetricName: aws.String(types.MetricWebhookEvent),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(types.DimProvider), Value: aws.String(string(provider))},
				{Name: aws.String(types.DimEventType), Value: aws.String(event)},
				{Name: aws.String(types.DimResult), Value: aws.String(result)},
			},
		},
	}, slog.String("provider", string(provider)), slog.String("event", event), slog.String("result", result))
}

func (m *CloudWatchMetrics) put(ctx context.Context, data []cwtypes.MetricDatum, attrs ...any) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to put metric data",
			append([]any{slog.String("metric", aws.ToString(data[0].MetricName)), slog.String("error", err.Error())}, attrs...)...,
		)
	}
}

// NoopMetrics discards everything. Used in local mode and when metrics are
// disabled.
type NoopMetrics struct{}

func (NoopMetrics) RecordRequest(_, _, _ string, _ time.Duration) {}

func (NoopMetrics) WebhookEvent(context.Context, types.GatewayProvider, string, string) {}
