package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Push sends the current metric values to a Prometheus Pushgateway. CLI runs
// are too short-lived to be scraped, so the run command pushes once at exit.
func Push(ctx context.Context, url, job string, grouping map[string]string) error {
	if url == "" {
		return nil
	}
	p := push.New(url, job).Gatherer(prometheus.DefaultGatherer)
	for k, v := range grouping {
		p = p.Grouping(k, v)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
