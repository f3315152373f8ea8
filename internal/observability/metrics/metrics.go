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

// JobLabel identifies a pipeline job event series by job name and outcome.
type JobLabel struct {
	Name   string
	Status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP requests,
// upload lifecycle events, pipeline job outcomes, segment uploads, and artifact
// garbage collection. It coordinates concurrent writers via a RWMutex while
// exposing thread-safe gauges for active job tracking.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	uploadEvents    map[string]uint64
	jobEvents       map[JobLabel]uint64
	segmentUploads  map[string]uint64
	gcDeletes       map[string]uint64
	activeJobs      atomic.Int64
	activeUploads   atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		uploadEvents:    make(map[string]uint64),
		jobEvents:       make(map[JobLabel]uint64),
		segmentUploads:  make(map[string]uint64),
		gcDeletes:       make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
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

// UploadStarted records the creation of a resumable transfer and increments the
// active upload gauge.
func (r *Recorder) UploadStarted() {
	r.incrementUploadEvent("created")
	r.activeUploads.Add(1)
}

// UploadCompleted records a finished transfer and decrements the active upload
// gauge, guarding against negative counts when concurrent updates race.
func (r *Recorder) UploadCompleted() {
	r.incrementUploadEvent("completed")
	r.decrementGauge(&r.activeUploads)
}

// UploadRejected records a transfer refused by validation before any storage
// write happened.
func (r *Recorder) UploadRejected() {
	r.incrementUploadEvent("rejected")
}

func (r *Recorder) incrementUploadEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.uploadEvents[normalized]++
	r.mu.Unlock()
}

// JobStarted records the dispatch of a pipeline job of the provided name and
// increments the active job gauge.
func (r *Recorder) JobStarted(name string) {
	r.recordJobEvent(name, "start")
	r.activeJobs.Add(1)
}

// JobCompleted records a successful pipeline job and decrements the active job
// gauge.
func (r *Recorder) JobCompleted(name string) {
	r.recordJobEvent(name, "complete")
	r.decrementGauge(&r.activeJobs)
}

// JobFailed records a failed pipeline job attempt and decrements the active job
// gauge (without allowing it to go negative if the job never started).
func (r *Recorder) JobFailed(name string) {
	r.recordJobEvent(name, "fail")
	r.decrementGauge(&r.activeJobs)
}

// JobRetried records a job attempt scheduled for re-execution after backoff.
func (r *Recorder) JobRetried(name string) {
	r.recordJobEvent(name, "retry")
}

func (r *Recorder) recordJobEvent(name, status string) {
	label := JobLabel{
		Name:   normalizeName(name),
		Status: normalizeName(status),
	}
	r.mu.Lock()
	r.jobEvents[label]++
	r.mu.Unlock()
}

// ObserveSegmentUpload records the outcome of a single HLS segment upload
// ("ok" or "error").
func (r *Recorder) ObserveSegmentUpload(outcome string) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.segmentUploads[normalized]++
	r.mu.Unlock()
}

// ObserveGCDelete records one artifact removal keyed by kind ("object" or
// "row").
func (r *Recorder) ObserveGCDelete(kind string) {
	normalized := normalizeName(kind)
	r.mu.Lock()
	r.gcDeletes[normalized]++
	r.mu.Unlock()
}

// ActiveJobs exposes the current gauge of jobs held by workers.
func (r *Recorder) ActiveJobs() int64 {
	return r.activeJobs.Load()
}

// ActiveUploads exposes the current gauge of open resumable transfers.
func (r *Recorder) ActiveUploads() int64 {
	return r.activeUploads.Load()
}

// JobCounts returns copies of job event counters and the current active job
// gauge value for testing and reporting purposes.
func (r *Recorder) JobCounts() (events map[JobLabel]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[JobLabel]uint64, len(r.jobEvents))
	for k, v := range r.jobEvents {
		events[k] = v
	}
	return events, r.activeJobs.Load()
}

// UploadCounts returns a copy of upload lifecycle counters.
func (r *Recorder) UploadCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[string]uint64, len(r.uploadEvents))
	for k, v := range r.uploadEvents {
		events[k] = v
	}
	return events
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.uploadEvents = make(map[string]uint64)
	r.jobEvents = make(map[JobLabel]uint64)
	r.segmentUploads = make(map[string]uint64)
	r.gcDeletes = make(map[string]uint64)
	r.activeJobs.Store(0)
	r.activeUploads.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	uploadEvents := r.sortedStringKeys(r.uploadEvents)
	jobLabels := r.sortedJobLabels()
	segmentOutcomes := r.sortedStringKeys(r.segmentUploads)
	gcKinds := r.sortedStringKeys(r.gcDeletes)

	fmt.Fprintln(w, "# HELP reelforge_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE reelforge_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "reelforge_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP reelforge_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE reelforge_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "reelforge_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP reelforge_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE reelforge_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "reelforge_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP reelforge_upload_events_total Upload lifecycle events by type")
	fmt.Fprintln(w, "# TYPE reelforge_upload_events_total counter")
	for _, event := range uploadEvents {
		value := r.uploadEvents[event]
		fmt.Fprintf(w, "reelforge_upload_events_total{event=\"%s\"} %d\n", event, value)
	}

	fmt.Fprintln(w, "# HELP reelforge_active_uploads Current number of open resumable transfers")
	fmt.Fprintln(w, "# TYPE reelforge_active_uploads gauge")
	fmt.Fprintf(w, "reelforge_active_uploads %d\n", r.activeUploads.Load())

	fmt.Fprintln(w, "# HELP reelforge_pipeline_jobs_total Pipeline job events by name and status")
	fmt.Fprintln(w, "# TYPE reelforge_pipeline_jobs_total counter")
	for _, label := range jobLabels {
		count := r.jobEvents[label]
		fmt.Fprintf(w, "reelforge_pipeline_jobs_total{name=\"%s\",status=\"%s\"} %d\n", label.Name, label.Status, count)
	}

	fmt.Fprintln(w, "# HELP reelforge_pipeline_active_jobs Current number of jobs held by workers")
	fmt.Fprintln(w, "# TYPE reelforge_pipeline_active_jobs gauge")
	fmt.Fprintf(w, "reelforge_pipeline_active_jobs %d\n", r.activeJobs.Load())

	fmt.Fprintln(w, "# HELP reelforge_segment_uploads_total HLS segment uploads by outcome")
	fmt.Fprintln(w, "# TYPE reelforge_segment_uploads_total counter")
	for _, outcome := range segmentOutcomes {
		count := r.segmentUploads[outcome]
		fmt.Fprintf(w, "reelforge_segment_uploads_total{outcome=\"%s\"} %d\n", outcome, count)
	}

	fmt.Fprintln(w, "# HELP reelforge_gc_deletes_total Artifacts removed by the lifecycle manager, by kind")
	fmt.Fprintln(w, "# TYPE reelforge_gc_deletes_total counter")
	for _, kind := range gcKinds {
		count := r.gcDeletes[kind]
		fmt.Fprintf(w, "reelforge_gc_deletes_total{kind=\"%s\"} %d\n", kind, count)
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

func (r *Recorder) sortedJobLabels() []JobLabel {
	labels := make([]JobLabel, 0, len(r.jobEvents))
	for label := range r.jobEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Name != labels[j].Name {
			return labels[i].Name < labels[j].Name
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func (r *Recorder) sortedStringKeys(counters map[string]uint64) []string {
	keys := make([]string, 0, len(counters))
	for key := range counters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
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
	if len(segment) >= 16 {
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

// UploadStarted increments upload counters on the default recorder.
func UploadStarted() {
	defaultRecorder.UploadStarted()
}

// UploadCompleted records a finished transfer on the default recorder.
func UploadCompleted() {
	defaultRecorder.UploadCompleted()
}

// UploadRejected records a validation refusal on the default recorder.
func UploadRejected() {
	defaultRecorder.UploadRejected()
}

// JobStarted records a job dispatch on the default recorder.
func JobStarted(name string) {
	defaultRecorder.JobStarted(name)
}

// JobCompleted records a successful job on the default recorder.
func JobCompleted(name string) {
	defaultRecorder.JobCompleted(name)
}

// JobFailed records a failed job attempt on the default recorder.
func JobFailed(name string) {
	defaultRecorder.JobFailed(name)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
