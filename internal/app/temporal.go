package app

import (
	"context"
	"os"
	"strings"
	"time"

	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

// NewTemporalClient dials Temporal from TEMPORAL_ADDRESS and
// TEMPORAL_NAMESPACE. A missing address disables Temporal (nil client)
// so local development can run the API without a task queue.
func NewTemporalClient(log *logger.Logger) (temporalsdkclient.Client, error) {
	address := strings.TrimSpace(os.Getenv("TEMPORAL_ADDRESS"))
	if address == "" {
		log.Warn("TEMPORAL_ADDRESS not set; task dispatch disabled")
		return nil, nil
	}
	namespace := strings.TrimSpace(os.Getenv("TEMPORAL_NAMESPACE"))
	if namespace == "" {
		namespace = "default"
	}
	opts := temporalsdkclient.Options{
		HostPort:  address,
		Namespace: namespace,
		Logger:    log,
	}

	// The server often comes up after us in compose setups; retry the
	// dial for up to a minute.
	deadline := time.Now().Add(time.Minute)
	backoff := 250 * time.Millisecond
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		c, err := temporalsdkclient.DialContext(ctx, opts)
		cancel()
		if err == nil {
			return c, nil
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		log.Warn("temporal dial failed; retrying", "address", address, "error", err)
		time.Sleep(backoff)
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}
