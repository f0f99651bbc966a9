package prom

import (
	"sync"

	xhttp "github.com/nimasrn/message-blast/pkg/http"
	"github.com/nimasrn/message-blast/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const (
	SystemBlast   = "blast"
	SystemGateway = "gateway"
	SystemRunner  = "runner"
)

const (
	MetricBlastTargetsTotal      = "targets_total"
	MetricBlastTransitionsTotal  = "transitions_total"
	MetricBlastsByStatus         = "blasts"
	MetricGatewaySendDuration    = "send_duration_seconds"
	MetricRunnerBatchDuration    = "batch_duration_seconds"
	MetricRunnerTickSkippedTotal = "tick_skipped_total"
	MetricReceiptsTotal          = "receipts_total"
)

var lockCreateMetricLock = &sync.Mutex{}
var namespace = "none"

var MetricSystemEnabled = false

var MetricCollectionCounterVec = make(map[string]*prometheus.CounterVec)
var MetricCollectionGaugeVec = make(map[string]*prometheus.GaugeVec)
var MetricCollectionHistogram = make(map[string]prometheus.Histogram)
var MetricCollectionHistogramVec = make(map[string]*prometheus.HistogramVec)

var defaultLabels prometheus.Labels

func Create(host string, env string, nameSpace string) error {
	defaultLabels = make(prometheus.Labels)
	defaultLabels["env"] = env
	defaultLabels["instance"] = host
	namespace = nameSpace
	MetricSystemEnabled = true

	var err error
	hasError := func(e error) {
		if err == nil && e != nil {
			err = e
		}
	}

	hasError(createCounterVec(SystemBlast, MetricBlastTargetsTotal, []string{"outcome"}))
	hasError(createCounterVec(SystemBlast, MetricBlastTransitionsTotal, []string{"to"}))
	hasError(createGaugeVec(SystemBlast, MetricBlastsByStatus, []string{"status"}))
	hasError(createHistogramVec(SystemGateway, MetricGatewaySendDuration, []string{"outcome"}))
	hasError(createHistogram(SystemRunner, MetricRunnerBatchDuration))
	hasError(createCounterVec(SystemRunner, MetricRunnerTickSkippedTotal, []string{"reason"}))
	hasError(createCounterVec(SystemBlast, MetricReceiptsTotal, []string{"outcome"}))

	return err
}

func ListenAndServer(addr string, url string) {
	hh := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	s := xhttp.CreateServer()
	s.GET(url, hh)
	logger.Info("[metrics-server] listening...", "addr", addr, "url", url)
	if err := s.ListenAndServe(addr); err != nil {
		logger.Panic("[metrics-server] http listen error", "error", err)
	}
}

func createCounterVec(subsystem, name string, labels []string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()
	MetricCollectionCounterVec[subsystem+name] = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		ConstLabels: defaultLabels,
	}, labels)
	return prometheus.Register(MetricCollectionCounterVec[subsystem+name])
}

func createHistogram(subsystem, name string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()
	MetricCollectionHistogram[subsystem+name] = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		ConstLabels: defaultLabels,
		Buckets:     prometheus.DefBuckets,
	})
	return prometheus.Register(MetricCollectionHistogram[subsystem+name])
}

func createHistogramVec(subsystem, name string, labels []string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()
	MetricCollectionHistogramVec[subsystem+name] = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		ConstLabels: defaultLabels,
	}, labels)
	return prometheus.Register(MetricCollectionHistogramVec[subsystem+name])
}

func createGaugeVec(subsystem, name string, labels []string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()

	MetricCollectionGaugeVec[subsystem+name] = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		ConstLabels: defaultLabels,
	}, labels)
	return prometheus.Register(MetricCollectionGaugeVec[subsystem+name])
}

func SetGaugeVec(subsystem, name string, num float64, labelValues ...string) {
	if !MetricSystemEnabled {
		return
	}
	if v, ok := MetricCollectionGaugeVec[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Set(num)
		return
	}
	logger.Warn("[metrics-server] gauge not found", "subsystem", subsystem, "name", name)
}

func AddCounterVec(subsystem, name string, num float64, labelValues ...string) {
	if !MetricSystemEnabled {
		return
	}
	if v, ok := MetricCollectionCounterVec[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Add(num)
		return
	}
	logger.Warn("[metrics-server] counter vec not found", "subsystem", subsystem, "name", name)
}

func IncCounterVec(subsystem, name string, labelValues ...string) {
	AddCounterVec(subsystem, name, 1, labelValues...)
}

func AddHistogram(subsystem, name string, number float64) {
	if !MetricSystemEnabled {
		return
	}
	if v, ok := MetricCollectionHistogram[subsystem+name]; ok {
		v.Observe(number)
		return
	}
	logger.Warn("[metrics-server] histogram not found", "subsystem", subsystem, "name", name)
}

func AddHistogramVec(subsystem, name string, number float64, labelValues ...string) {
	if !MetricSystemEnabled {
		return
	}
	if v, ok := MetricCollectionHistogramVec[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Observe(number)
		return
	}
	logger.Warn("[metrics-server] histogram vec not found", "subsystem", subsystem, "name", name)
}

func IncTargetOutcome(outcome string) {
	IncCounterVec(SystemBlast, MetricBlastTargetsTotal, outcome)
}

func AddTargetOutcomes(outcome string, n int) {
	if n <= 0 {
		return
	}
	AddCounterVec(SystemBlast, MetricBlastTargetsTotal, float64(n), outcome)
}

func IncBlastTransition(to string) {
	IncCounterVec(SystemBlast, MetricBlastTransitionsTotal, to)
}

func SetBlastsByStatus(status string, n int64) {
	SetGaugeVec(SystemBlast, MetricBlastsByStatus, float64(n), status)
}

func ObserveGatewaySend(seconds float64, outcome string) {
	AddHistogramVec(SystemGateway, MetricGatewaySendDuration, seconds, outcome)
}

func ObserveBatchDuration(seconds float64) {
	AddHistogram(SystemRunner, MetricRunnerBatchDuration, seconds)
}

func IncTickSkipped(reason string) {
	IncCounterVec(SystemRunner, MetricRunnerTickSkippedTotal, reason)
}

func IncReceipt(outcome string) {
	IncCounterVec(SystemBlast, MetricReceiptsTotal, outcome)
}
