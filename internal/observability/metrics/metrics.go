package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// ingest session lifecycle, subscriber backpressure, capture activity, and
// device connectivity. It coordinates concurrent writers via a RWMutex while
// exposing thread-safe gauges for active sessions and workers.
type Recorder struct {
	mu                 sync.RWMutex
	requestCount       map[requestLabel]uint64
	requestDuration    map[requestLabel]time.Duration
	ingestEvents       map[string]uint64
	activeIngest       atomic.Int64
	subscriberDrops    map[string]uint64
	captureEvents      map[string]uint64
	activeCapture      atomic.Int64
	capturesServed     map[string]uint64
	deviceEvents       map[string]uint64
	operationAttempts  map[string]uint64
	operationFailures  map[string]uint64
	bridgeHealthValue  map[string]float64
	bridgeHealthState  map[string]string
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:      make(map[requestLabel]uint64),
		requestDuration:   make(map[requestLabel]time.Duration),
		ingestEvents:      make(map[string]uint64),
		subscriberDrops:   make(map[string]uint64),
		captureEvents:     make(map[string]uint64),
		capturesServed:    make(map[string]uint64),
		deviceEvents:      make(map[string]uint64),
		operationAttempts: make(map[string]uint64),
		operationFailures: make(map[string]uint64),
		bridgeHealthValue: make(map[string]float64),
		bridgeHealthState: make(map[string]string),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation
// pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// IngestSessionStarted records an ingest session start and increments the
// active session gauge.
func (r *Recorder) IngestSessionStarted(serial string) {
	r.incrementIngestEvent("start")
	r.activeIngest.Add(1)
}

// IngestSessionStopped records an ingest session stop and decrements the
// active session gauge.
func (r *Recorder) IngestSessionStopped(serial string) {
	r.incrementIngestEvent("stop")
	r.decrementGauge(&r.activeIngest)
}

func (r *Recorder) incrementIngestEvent(event string) {
	r.mu.Lock()
	r.ingestEvents[event]++
	r.mu.Unlock()
}

// SubscriberDropped records a subscriber queue overflow for the given
// device serial (the fan-out's drop-newest backpressure policy).
func (r *Recorder) SubscriberDropped(serial string) {
	r.mu.Lock()
	r.subscriberDrops[serial]++
	r.mu.Unlock()
}

// CaptureWorkerStarted records a capture worker start and increments the
// active worker gauge.
func (r *Recorder) CaptureWorkerStarted(serial string) {
	r.incrementCaptureEvent("start")
	r.activeCapture.Add(1)
}

// CaptureWorkerStopped records a capture worker stop and decrements the
// active worker gauge.
func (r *Recorder) CaptureWorkerStopped(serial string) {
	r.incrementCaptureEvent("stop")
	r.decrementGauge(&r.activeCapture)
}

func (r *Recorder) incrementCaptureEvent(event string) {
	r.mu.Lock()
	r.captureEvents[event]++
	r.mu.Unlock()
}

// CaptureFrameServed records a single-frame JPEG capture served for a
// device serial.
func (r *Recorder) CaptureFrameServed(serial string) {
	r.mu.Lock()
	r.capturesServed[serial]++
	r.mu.Unlock()
}

// DeviceConnected records a device-bridge connect event.
func (r *Recorder) DeviceConnected() {
	r.incrementDeviceEvent("connected")
}

// DeviceDisconnected records a device-bridge disconnect event.
func (r *Recorder) DeviceDisconnected() {
	r.incrementDeviceEvent("disconnected")
}

func (r *Recorder) incrementDeviceEvent(event string) {
	r.mu.Lock()
	r.deviceEvents[event]++
	r.mu.Unlock()
}

// ObserveOperationAttempt records an attempted operation keyed by name
// (e.g. "agent_start", "device_enrich").
func (r *Recorder) ObserveOperationAttempt(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.operationAttempts[op]++
	r.mu.Unlock()
}

// ObserveOperationFailure records a failed operation keyed by name. The
// caller should also record the attempt separately.
func (r *Recorder) ObserveOperationFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.operationFailures[op]++
	r.mu.Unlock()
}

// SetBridgeHealth records the debug bridge's reported health for a named
// dependency (e.g. the adb server process).
func (r *Recorder) SetBridgeHealth(service, status string) {
	normalizedService := normalizeName(service)
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	value := 0.0
	switch normalizedStatus {
	case "ok", "healthy":
		value = 1
	case "disabled":
		value = 0
	default:
		value = -1
	}
	r.mu.Lock()
	r.bridgeHealthValue[normalizedService] = value
	r.bridgeHealthState[normalizedService] = normalizedStatus
	r.mu.Unlock()
}

// ActiveIngestSessions exposes the current gauge of active ingest sessions.
func (r *Recorder) ActiveIngestSessions() int64 {
	return r.activeIngest.Load()
}

// ActiveCaptureWorkers exposes the current gauge of active capture workers.
func (r *Recorder) ActiveCaptureWorkers() int64 {
	return r.activeCapture.Load()
}

// OperationCounts returns copies of operation attempt and failure counters
// for testing and reporting purposes.
func (r *Recorder) OperationCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts = make(map[string]uint64, len(r.operationAttempts))
	for k, v := range r.operationAttempts {
		attempts[k] = v
	}
	failures = make(map[string]uint64, len(r.operationFailures))
	for k, v := range r.operationFailures {
		failures[k] = v
	}
	return attempts, failures
}

// Reset clears all counters and gauges on the recorder. Intended for test
// setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.ingestEvents = make(map[string]uint64)
	r.subscriberDrops = make(map[string]uint64)
	r.captureEvents = make(map[string]uint64)
	r.capturesServed = make(map[string]uint64)
	r.deviceEvents = make(map[string]uint64)
	r.operationAttempts = make(map[string]uint64)
	r.operationFailures = make(map[string]uint64)
	r.bridgeHealthValue = make(map[string]float64)
	r.bridgeHealthState = make(map[string]string)
	r.activeIngest.Store(0)
	r.activeCapture.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus
// text exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	ingestEvents := r.sortedKeys(r.ingestEvents)
	subscriberSerials := r.sortedKeys(r.subscriberDrops)
	captureEvents := r.sortedKeys(r.captureEvents)
	captureSerials := r.sortedKeys(r.capturesServed)
	deviceEvents := r.sortedKeys(r.deviceEvents)
	operations := r.sortedOperations()
	bridgeServices := r.sortedKeys(r.bridgeHealthValue)

	fmt.Fprintln(w, "# HELP devicecast_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE devicecast_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "devicecast_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP devicecast_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE devicecast_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "devicecast_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP devicecast_ingest_events_total Ingest session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE devicecast_ingest_events_total counter")
	for _, event := range ingestEvents {
		fmt.Fprintf(w, "devicecast_ingest_events_total{event=\"%s\"} %d\n", event, r.ingestEvents[event])
	}

	fmt.Fprintln(w, "# HELP devicecast_active_ingest_sessions Current number of running ingest sessions")
	fmt.Fprintln(w, "# TYPE devicecast_active_ingest_sessions gauge")
	fmt.Fprintf(w, "devicecast_active_ingest_sessions %d\n", r.activeIngest.Load())

	fmt.Fprintln(w, "# HELP devicecast_subscriber_drops_total Subscriber queue overflow events by device serial")
	fmt.Fprintln(w, "# TYPE devicecast_subscriber_drops_total counter")
	for _, serial := range subscriberSerials {
		fmt.Fprintf(w, "devicecast_subscriber_drops_total{serial=\"%s\"} %d\n", serial, r.subscriberDrops[serial])
	}

	fmt.Fprintln(w, "# HELP devicecast_capture_events_total Capture worker lifecycle events by type")
	fmt.Fprintln(w, "# TYPE devicecast_capture_events_total counter")
	for _, event := range captureEvents {
		fmt.Fprintf(w, "devicecast_capture_events_total{event=\"%s\"} %d\n", event, r.captureEvents[event])
	}

	fmt.Fprintln(w, "# HELP devicecast_active_capture_workers Current number of running capture workers")
	fmt.Fprintln(w, "# TYPE devicecast_active_capture_workers gauge")
	fmt.Fprintf(w, "devicecast_active_capture_workers %d\n", r.activeCapture.Load())

	fmt.Fprintln(w, "# HELP devicecast_captures_served_total Single-frame captures served by device serial")
	fmt.Fprintln(w, "# TYPE devicecast_captures_served_total counter")
	for _, serial := range captureSerials {
		fmt.Fprintf(w, "devicecast_captures_served_total{serial=\"%s\"} %d\n", serial, r.capturesServed[serial])
	}

	fmt.Fprintln(w, "# HELP devicecast_device_events_total Device bridge connect/disconnect events")
	fmt.Fprintln(w, "# TYPE devicecast_device_events_total counter")
	for _, event := range deviceEvents {
		fmt.Fprintf(w, "devicecast_device_events_total{event=\"%s\"} %d\n", event, r.deviceEvents[event])
	}

	fmt.Fprintln(w, "# HELP devicecast_operation_attempts_total Total operations attempted by name")
	fmt.Fprintln(w, "# TYPE devicecast_operation_attempts_total counter")
	for _, op := range operations {
		fmt.Fprintf(w, "devicecast_operation_attempts_total{operation=\"%s\"} %d\n", op, r.operationAttempts[op])
	}

	fmt.Fprintln(w, "# HELP devicecast_operation_failures_total Total operation failures by name")
	fmt.Fprintln(w, "# TYPE devicecast_operation_failures_total counter")
	for _, op := range operations {
		fmt.Fprintf(w, "devicecast_operation_failures_total{operation=\"%s\"} %d\n", op, r.operationFailures[op])
	}

	fmt.Fprintln(w, "# HELP devicecast_bridge_health Health status reported by the device bridge (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE devicecast_bridge_health gauge")
	for _, service := range bridgeServices {
		fmt.Fprintf(w, "devicecast_bridge_health{service=\"%s\",status=\"%s\"} %f\n", service, r.bridgeHealthState[service], r.bridgeHealthValue[service])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedKeys(m interface{}) []string {
	var keys []string
	switch typed := m.(type) {
	case map[string]uint64:
		keys = make([]string, 0, len(typed))
		for k := range typed {
			keys = append(keys, k)
		}
	case map[string]float64:
		keys = make([]string, 0, len(typed))
		for k := range typed {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (r *Recorder) sortedOperations() []string {
	seen := make(map[string]struct{}, len(r.operationAttempts)+len(r.operationFailures))
	for op := range r.operationAttempts {
		seen[op] = struct{}{}
	}
	for op := range r.operationFailures {
		seen[op] = struct{}{}
	}
	ops := make([]string, 0, len(seen))
	for op := range seen {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// SetBridgeHealth updates bridge health for the default recorder.
func SetBridgeHealth(service, status string) {
	defaultRecorder.SetBridgeHealth(service, status)
}

// ObserveOperationAttempt records an operation attempt on the default
// recorder.
func ObserveOperationAttempt(operation string) {
	defaultRecorder.ObserveOperationAttempt(operation)
}

// ObserveOperationFailure records an operation failure on the default
// recorder.
func ObserveOperationFailure(operation string) {
	defaultRecorder.ObserveOperationFailure(operation)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
