// Package sagemaker implements the model-client capability against a
// SageMaker inference endpoint.
package sagemaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"

	"vigil/internal/metrics"
	"vigil/internal/models"
)

// ErrEmptyResponse is returned when the endpoint answers with no scores.
var ErrEmptyResponse = errors.New("sagemaker: empty response body")

// Config configures the endpoint client.
type Config struct {
	Endpoint string
	Region   string
	Timeout  time.Duration
}

// Client invokes a SageMaker endpoint to score feature vectors.
type Client struct {
	runtime  *sagemakerruntime.Client
	endpoint string
	timeout  time.Duration
}

type invokeRequest struct {
	Instances []instance `json:"instances"`
}

type instance struct {
	Features []float64 `json:"features"`
}

type invokeResponse struct {
	Scores []struct {
		Score float64 `json:"score"`
	} `json:"scores"`
}

// New creates a client for the configured endpoint.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("sagemaker: endpoint name is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("sagemaker: load aws config: %w", err)
	}

	return &Client{
		runtime:  sagemakerruntime.NewFromConfig(awsCfg),
		endpoint: cfg.Endpoint,
		timeout:  cfg.Timeout,
	}, nil
}

// Score invokes the endpoint with the feature vector and returns the
// anomaly probability in [0,1].
func (c *Client) Score(ctx context.Context, fv models.FeatureVector) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(invokeRequest{
		Instances: []instance{{
			Features: []float64{
				fv.Temperature.Value, fv.Vibration.Value, fv.Pressure.Value,
				fv.Temperature.Delta, fv.Vibration.Delta, fv.Pressure.Delta,
			},
		}},
	})
	if err != nil {
		return 0, fmt.Errorf("sagemaker: marshal payload: %w", err)
	}

	start := time.Now()
	output, err := c.runtime.InvokeEndpoint(ctx, &sagemakerruntime.InvokeEndpointInput{
		EndpointName: &c.endpoint,
		Body:         payload,
		ContentType:  aws.String("application/json"),
		Accept:       aws.String("application/json"),
	})
	metrics.ModelScoreDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("sagemaker: invoke endpoint: %w", err)
	}

	var resp invokeResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return 0, fmt.Errorf("sagemaker: parse response: %w", err)
	}
	if len(resp.Scores) == 0 {
		return 0, ErrEmptyResponse
	}

	score := resp.Scores[0].Score
	if score < 0 {
		score = 0
	} else if score > 1 {
		score = 1
	}
	return score, nil
}
