// Package metrics emits CloudWatch Embedded Metric Format (EMF) documents.
// Each document is one JSON line; CloudWatch extracts the metrics from the
// log stream, so emitting costs no API call.
//
// See: https://docs.aws.amazon.com/AmazonCloudWatch/latest/monitoring/CloudWatch_Embedded_Metric_Format_Specification.html
package metrics

import (
	"encoding/json"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Namespace is the CloudWatch namespace for every metric this service emits.
const Namespace = "CaptureReview"

// Standard CloudWatch metric units.
const (
	UnitMilliseconds = "Milliseconds"
	UnitCount        = "Count"
	UnitNone         = "None"
)

// Metric names.
const (
	MetricHandoffLatency = "HandoffLatencyMs"
	MetricReadinessWait  = "ReadinessWaitMs"
	MetricForwarded      = "Forwarded"
	MetricFailed         = "Failed"
	MetricAbandoned      = "Abandoned"
	MetricDeleted        = "ItemsDeleted"
	MetricRequestLatency = "RequestLatencyMs"
	MetricRequestCount   = "RequestCount"
)

var (
	outMu sync.Mutex
	out   io.Writer = os.Stdout

	serviceOnce sync.Once
	service     string
)

// SetOutput redirects EMF documents. A nil writer disables emission.
func SetOutput(w io.Writer) {
	outMu.Lock()
	out = w
	outMu.Unlock()
}

func serviceName() string {
	serviceOnce.Do(func() {
		service = os.Getenv("AWS_LAMBDA_FUNCTION_NAME")
		if service == "" {
			service = "capture-review"
		}
	})
	return service
}

type metricDef struct {
	Name string `json:"Name"`
	Unit string `json:"Unit"`
}

type emfDirective struct {
	Timestamp         int64      `json:"Timestamp"`
	CloudWatchMetrics []cwMetric `json:"CloudWatchMetrics"`
}

type cwMetric struct {
	Namespace  string      `json:"Namespace"`
	Dimensions [][]string  `json:"Dimensions"`
	Metrics    []metricDef `json:"Metrics"`
}

// Recorder accumulates one EMF document. It is not safe for concurrent
// use; create one per handoff.
type Recorder struct {
	dimensions map[string]string
	metrics    map[string]metricDef
	values     map[string]float64
	properties map[string]interface{}
}

// New creates a Recorder carrying the Service dimension.
func New() *Recorder {
	return &Recorder{
		dimensions: map[string]string{"Service": serviceName()},
		metrics:    make(map[string]metricDef),
		values:     make(map[string]float64),
		properties: make(map[string]interface{}),
	}
}

// Dimension adds an indexed dimension.
func (r *Recorder) Dimension(key, value string) *Recorder {
	r.dimensions[key] = value
	return r
}

// Metric records a named value with a CloudWatch unit.
func (r *Recorder) Metric(name string, value float64, unit string) *Recorder {
	r.metrics[name] = metricDef{Name: name, Unit: unit}
	r.values[name] = value
	return r
}

// Duration records d in milliseconds.
func (r *Recorder) Duration(name string, d time.Duration) *Recorder {
	return r.Metric(name, float64(d.Microseconds())/1000, UnitMilliseconds)
}

// Count records a count of one.
func (r *Recorder) Count(name string) *Recorder {
	return r.Metric(name, 1, UnitCount)
}

// Property adds a searchable, non-metric field.
func (r *Recorder) Property(key string, value interface{}) *Recorder {
	r.properties[key] = value
	return r
}

// Flush writes the document as a single line. Recorders are not reusable
// after Flush.
func (r *Recorder) Flush() {
	if len(r.metrics) == 0 {
		return
	}
	outMu.Lock()
	defer outMu.Unlock()
	if out == nil {
		return
	}

	data, err := json.Marshal(r.document(time.Now()))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to marshal EMF document")
		return
	}
	data = append(data, '\n')
	if _, err := out.Write(data); err != nil {
		log.Warn().Err(err).Msg("Failed to write EMF document")
	}
}

func (r *Recorder) document(now time.Time) map[string]interface{} {
	defs := make([]metricDef, 0, len(r.metrics))
	for _, m := range r.metrics {
		defs = append(defs, m)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	dimKeys := make([]string, 0, len(r.dimensions))
	for k := range r.dimensions {
		dimKeys = append(dimKeys, k)
	}
	sort.Strings(dimKeys)

	doc := make(map[string]interface{}, 1+len(r.dimensions)+len(r.values)+len(r.properties))
	doc["_aws"] = emfDirective{
		Timestamp: now.UnixMilli(),
		CloudWatchMetrics: []cwMetric{{
			Namespace:  Namespace,
			Dimensions: [][]string{dimKeys},
			Metrics:    defs,
		}},
	}
	for k, v := range r.properties {
		doc[k] = v
	}
	for k, v := range r.dimensions {
		doc[k] = v
	}
	for k, v := range r.values {
		doc[k] = v
	}
	return doc
}
