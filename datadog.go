package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Clever/kayvee-go/v7/logger"
	"github.com/DataDog/datadog-api-client-go/api/v2/datadog"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/eapache/go-resiliency/retrier"
)

// DDMetricsAPI is the part of the DataDog metrics client we use.
type DDMetricsAPI interface {
	SubmitMetrics(ctx context.Context, body datadog.MetricPayload, o ...datadog.SubmitMetricsOptionalParameters) (datadog.IntakePayloadAccepted, *http.Response, error)
}

// SecretsAPI reads a DataDog API key out of Secrets Manager.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// DatadogSink submits samples to DataDog as gauges.
type DatadogSink struct {
	dd     DDMetricsAPI
	apiKey string
	tags   []string
	retry  *retrier.Retrier
}

// NewDatadogSink builds a sink. With an empty apiKey the client falls back to
// DD_API_KEY from the environment.
func NewDatadogSink(dd DDMetricsAPI, apiKey string, tags []string) *DatadogSink {
	return &DatadogSink{
		dd:     dd,
		apiKey: apiKey,
		tags:   tags,
		retry:  retrier.New(retrier.ExponentialBackoff(5, 50*time.Millisecond), cancelClassifier{}),
	}
}

func (s *DatadogSink) Send(ctx context.Context, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}

	series := make([]datadog.MetricSeries, 0, len(samples))
	for _, sm := range samples {
		series = append(series, datadog.MetricSeries{
			Metric: sm.Name,
			Type:   datadog.METRICINTAKETYPE_GAUGE.Ptr(),
			Tags:   s.tags,
			Points: []datadog.MetricPoint{
				{
					Timestamp: datadog.PtrInt64(sm.Timestamp),
					Value:     aws.Float64(sm.Value),
				},
			},
		})
	}

	ddCtx := s.authContext(ctx)
	err := s.retry.Run(func() error {
		acc, res, err := s.dd.SubmitMetrics(ddCtx, *datadog.NewMetricPayload(series))
		lg.TraceD("datadog-submit-metrics", logger.M{"point-count": len(series), "dd-response": acc.Status})
		if res == nil {
			return fmt.Errorf("no response from DD api Err = %v", err)
		}
		if res.StatusCode != http.StatusAccepted || err != nil {
			// best effort, the status code is enough to act on
			b, _ := io.ReadAll(res.Body)
			return fmt.Errorf("status code %d received from DD api Err = %v RawBody = %s", res.StatusCode, err, b)
		}
		return nil
	})
	if err != nil {
		lg.ErrorD("datadog-submit-failed", logger.M{"point-count": len(series), "error": err.Error()})
		return err
	}
	return nil
}

func (s *DatadogSink) authContext(ctx context.Context) context.Context {
	if s.apiKey == "" {
		return datadog.NewDefaultContext(ctx)
	}
	return context.WithValue(ctx, datadog.ContextAPIKeys, map[string]datadog.APIKey{
		"apiKeyAuth": {Key: s.apiKey},
	})
}

// datadogAPIKeyFromSecret fetches the secret string for secretID.
func datadogAPIKeyFromSecret(ctx context.Context, sm SecretsAPI, secretID string) (string, error) {
	out, err := sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret value %s: %w", secretID, err)
	}
	if out.SecretString == nil || *out.SecretString == "" {
		return "", fmt.Errorf("secret %s has no string value", secretID)
	}
	return *out.SecretString, nil
}
