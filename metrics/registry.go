package metrics

import (
	"fmt"
	"os"

	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/eventsource/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	log      = sbragi.WithLocalScope(sbragi.LevelInfo)
	Registry *prometheus.Registry
)

func Init() {
	Registry = prometheus.NewRegistry()
}

// Push sends the registry to a pushgateway, grouped by hostname.
func Push(url string) error {
	if Registry == nil {
		return fmt.Errorf("metrics registry is not initialized")
	}
	pusher := push.New(url, health.Name)
	pusher.Gatherer(Registry)

	hn, err := os.Hostname()
	if !log.WithError(err).Error("getting hostname for metrics push") {
		pusher.Grouping("instance", hn)
	}
	return pusher.Push()
}
