package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce registers the collector with the default registry. Several
// clients share one metric family, so an identical collector that is already
// registered is returned instead. Any other registration error panics.
func registerOnce(collector prometheus.Collector) prometheus.Collector {
	err := prometheus.Register(collector)
	if err == nil {
		return collector
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return are.ExistingCollector
	}
	panic(err)
}
