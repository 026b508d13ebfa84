package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"
)

const (
	pushRetries  = 3
	pushRetryMin = 100 * time.Millisecond
)

// retryLogger adapts a zap logger to retryablehttp.LeveledLogger.
type retryLogger struct {
	inner *zap.Logger
}

func (r retryLogger) Error(msg string, kv ...any) { r.inner.Sugar().Errorw(msg, kv...) }
func (r retryLogger) Info(msg string, kv ...any)  { r.inner.Sugar().Infow(msg, kv...) }
func (r retryLogger) Warn(msg string, kv ...any)  { r.inner.Sugar().Warnw(msg, kv...) }
func (r retryLogger) Debug(msg string, kv ...any) { r.inner.Sugar().Debugw(msg, kv...) }

func pushClient(logger *zap.Logger, period time.Duration) *http.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = pushRetries
	client.RetryWaitMin = pushRetryMin
	client.RetryWaitMax = max(pushRetryMin, period/4)
	client.Backoff = retryablehttp.LinearJitterBackoff
	client.Logger = retryLogger{inner: logger}
	client.ResponseLogHook = func(_ retryablehttp.Logger, resp *http.Response) {
		logger.Debug("push gateway response",
			zap.Stringer("url", resp.Request.URL),
			zap.Int("status", resp.StatusCode),
		)
	}
	return client.StandardClient()
}

// Push sends all registered metrics to a push gateway every period until ctx
// is canceled. Failed pushes are retried with backoff before being logged.
func Push(ctx context.Context, logger *zap.Logger, url string, period time.Duration, nodeID string) error {
	pusher := push.New(url, Namespace).
		Client(pushClient(logger, period)).
		Gatherer(prometheus.DefaultGatherer).
		Grouping("node", nodeID)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := pusher.PushContext(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("failed to push metrics", zap.String("url", url), zap.Error(err))
			}
		}
	}
}
