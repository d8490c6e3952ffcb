package base

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/relex/gotils/logger"
)

// MetricFactory creates Prometheus metric vectors with a common name prefix and fixed leading labels
//
// Vectors are registered to the default registerer on first use and shared afterwards. A vector requested again
// must have the same type and label names.
type MetricFactory struct {
	namePrefix        string
	parentLabelNames  []string
	parentLabelValues []string
	registry          *metricRegistry
}

type metricRegistry struct {
	mutex   sync.Mutex
	vectors map[string]prometheus.Collector
}

// curryable is a metric vector which can be partially bound to label values
type curryable[V any] interface {
	prometheus.Collector
	CurryWith(labels prometheus.Labels) (V, error)
}

// NewMetricFactory creates a factory with prefix for metric names and fixed labels for all metrics created from it
func NewMetricFactory(prefix string, labelNames []string, labelValues []string) *MetricFactory {
	mustMatchLabels(labelNames, labelValues)
	return &MetricFactory{
		namePrefix:        prefix,
		parentLabelNames:  labelNames,
		parentLabelValues: labelValues,
		registry:          &metricRegistry{vectors: make(map[string]prometheus.Collector, 20)},
	}
}

// NewSubFactory creates a factory sharing the same registry, with more prefix and fixed labels appended
func (factory *MetricFactory) NewSubFactory(prefix string, labelNames []string, labelValues []string) *MetricFactory {
	mustMatchLabels(labelNames, labelValues)
	fullPrefix, allLabelNames, allLabelValues := factory.extend(prefix, labelNames, labelValues)
	return &MetricFactory{
		namePrefix:        fullPrefix,
		parentLabelNames:  allLabelNames,
		parentLabelValues: allLabelValues,
		registry:          factory.registry,
	}
}

// AddOrGetCounterVec adds or gets a counter-vec bound to the fixed labels and given leftmost label values
func (factory *MetricFactory) AddOrGetCounterVec(name string, help string, labelNames []string, leftmostLabelValues []string) *prometheus.CounterVec {
	return addOrGetVec(factory, name, labelNames, leftmostLabelValues, func(fullName string, allLabelNames []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: fullName, Help: help}, allLabelNames)
	})
}

// AddOrGetGaugeVec adds or gets a gauge-vec bound to the fixed labels and given leftmost label values
func (factory *MetricFactory) AddOrGetGaugeVec(name string, help string, labelNames []string, leftmostLabelValues []string) *prometheus.GaugeVec {
	return addOrGetVec(factory, name, labelNames, leftmostLabelValues, func(fullName string, allLabelNames []string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: fullName, Help: help}, allLabelNames)
	})
}

func addOrGetVec[V curryable[V]](factory *MetricFactory, name string, labelNames []string, leftmostLabelValues []string,
	create func(fullName string, allLabelNames []string) V) V {

	if len(labelNames) < len(leftmostLabelValues) {
		logger.Panicf("more leftmostLabelValues (%s) than labelNames (%s)",
			strings.Join(leftmostLabelValues, ","), strings.Join(labelNames, ","))
	}
	fullName, allLabelNames, allLabelValues := factory.extend(name, labelNames, leftmostLabelValues)

	registry := factory.registry
	registry.mutex.Lock()
	var vec V
	if existing, ok := registry.vectors[fullName]; ok {
		typed, ok := existing.(V)
		if !ok {
			registry.mutex.Unlock()
			logger.Panicf("metric '%s' already exists as %T", fullName, existing)
		}
		vec = typed
	} else {
		vec = create(fullName, allLabelNames)
		if err := prometheus.Register(vec); err != nil {
			registry.mutex.Unlock()
			logger.Panicf("failed to register '%s': %s", fullName, err.Error())
		}
		registry.vectors[fullName] = vec
	}
	registry.mutex.Unlock()

	labels := make(prometheus.Labels, len(allLabelValues))
	for i, value := range allLabelValues {
		labels[allLabelNames[i]] = value
	}
	curried, err := vec.CurryWith(labels)
	if err != nil {
		logger.Panicf("failed to curry '%s' with %s: %s", fullName, labels, err.Error())
	}
	return curried
}

// DumpMetrics dumps metrics under the prefix of this factory in the .prom text format without comments
//
// For testing only
func (factory *MetricFactory) DumpMetrics(includeZeroValues bool) (string, error) {
	gatherer := prometheus.NewPedanticRegistry()
	factory.registry.mutex.Lock()
	for name, vec := range factory.registry.vectors {
		if !strings.HasPrefix(name, factory.namePrefix) {
			continue
		}
		if err := gatherer.Register(vec); err != nil {
			factory.registry.mutex.Unlock()
			return "", fmt.Errorf("failed to add metric '%s' to gatherer: %w", name, err)
		}
	}
	factory.registry.mutex.Unlock()

	families, err := gatherer.Gather()
	if err != nil {
		return "", fmt.Errorf("failed to gather metrics: %w", err)
	}
	writer := &bytes.Buffer{}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(writer, mf); err != nil {
			return "", fmt.Errorf("failed to export '%s': %w", mf.GetName(), err)
		}
	}
	var result strings.Builder
	for _, ln := range strings.SplitAfter(writer.String(), "\n") {
		if strings.HasPrefix(ln, "#") || ln == "" {
			continue
		}
		if !includeZeroValues && strings.HasSuffix(ln, " 0\n") {
			continue
		}
		result.WriteString(ln)
	}
	return result.String(), nil
}

func (factory *MetricFactory) extend(name string, labelNames []string, labelValues []string) (string, []string, []string) {
	allLabelNames := append(append([]string(nil), factory.parentLabelNames...), labelNames...)
	allLabelValues := append(append([]string(nil), factory.parentLabelValues...), labelValues...)
	return factory.namePrefix + name, allLabelNames, allLabelValues
}

func mustMatchLabels(labelNames []string, labelValues []string) {
	if len(labelNames) != len(labelValues) {
		logger.Panicf("different lengths of labelNames (%s) and labelValues (%s)",
			strings.Join(labelNames, ","), strings.Join(labelValues, ","))
	}
}
