package common

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ahrav/netmon-minion/pkg/common/logger"
)

// ConnectKafkaWithRetry attempts to establish a Kafka client with exponential backoff.
// It will retry failed connection attempts for up to 5 minutes, starting with 5 second intervals.
// This helps handle temporary network issues or Kafka cluster unavailability during startup.
func ConnectKafkaWithRetry[T any](ctx context.Context, log *logger.Logger, connect func() (T, error)) (T, error) {
	var client T

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		var err error
		client, err = connect()
		if err != nil {
			log.Warn(ctx, "Failed to connect to Kafka, will retry", "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		var zero T
		return zero, fmt.Errorf("failed to connect to Kafka after retries: %w", err)
	}

	return client, nil
}
