package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for the harvester.
// This is intentionally minimal and in-memory only.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	fetchesTotal   = make(map[fetchKey]int64)
	classifyTotal  = make(map[classifyKey]int64)
	uploadsTotal   = make(map[string]int64)
	jobsStarted    = make(map[string]int64)
	jobsFinished   = make(map[finishKey]int64)
	schedulesFired int64

	retentionJobsDeleted int64
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

type fetchKey struct {
	Tier    string
	Success string
}

type classifyKey struct {
	Provider string
	Source   string
}

type finishKey struct {
	Kind   string
	Status string
}

// RecordRequest increments request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	rk := reqKey{Method: method, Path: path, Status: status}
	requestsTotal[rk]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

// RecordFetch counts a page fetch by tier ("direct" or "browser").
func RecordFetch(tier string, success bool) {
	mu.Lock()
	defer mu.Unlock()
	fetchesTotal[fetchKey{Tier: tier, Success: boolStr(success)}]++
}

// RecordClassification counts a classification decision and where it
// came from ("llm" or "heuristic").
func RecordClassification(provider, source string) {
	mu.Lock()
	defer mu.Unlock()
	classifyTotal[classifyKey{Provider: provider, Source: source}]++
}

// RecordUpload counts an upload outcome: "uploaded", "skipped" (dedup
// hit) or "failed".
func RecordUpload(result string) {
	mu.Lock()
	defer mu.Unlock()
	uploadsTotal[result]++
}

// RecordJobStarted counts a worker process spawn by job kind.
func RecordJobStarted(kind string) {
	mu.Lock()
	defer mu.Unlock()
	jobsStarted[kind]++
}

// RecordJobFinished counts a reaped job by kind and terminal status.
func RecordJobFinished(kind, status string) {
	mu.Lock()
	defer mu.Unlock()
	jobsFinished[finishKey{Kind: kind, Status: status}]++
}

// RecordScheduleFired counts a recrawl schedule firing.
func RecordScheduleFired() {
	mu.Lock()
	defer mu.Unlock()
	schedulesFired++
}

// RecordRetentionJobs increments the counter of jobs deleted by TTL.
func RecordRetentionJobs(deleted int64) {
	if deleted <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	retentionJobsDeleted += deleted
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP docharvest_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE docharvest_http_requests_total counter\n")

	// Sort keys for stable output
	var reqKeys []reqKey
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})

	for _, k := range reqKeys {
		v := requestsTotal[k]
		fmt.Fprintf(&b, "docharvest_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, v)
	}

	b.WriteString("# HELP docharvest_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE docharvest_http_request_duration_ms_sum counter\n")
	b.WriteString("# HELP docharvest_http_request_duration_ms_count Request count for latency metric\n")
	b.WriteString("# TYPE docharvest_http_request_duration_ms_count counter\n")

	var latKeys []latKey
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].Method != latKeys[j].Method {
			return latKeys[i].Method < latKeys[j].Method
		}
		return latKeys[i].Path < latKeys[j].Path
	})

	for _, k := range latKeys {
		fmt.Fprintf(&b, "docharvest_http_request_duration_ms_sum{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsSum[k])
		fmt.Fprintf(&b, "docharvest_http_request_duration_ms_count{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsCount[k])
	}

	b.WriteString("# HELP docharvest_fetches_total Page fetches by tier\n")
	b.WriteString("# TYPE docharvest_fetches_total counter\n")

	var fetchKeys []fetchKey
	for k := range fetchesTotal {
		fetchKeys = append(fetchKeys, k)
	}
	sort.Slice(fetchKeys, func(i, j int) bool {
		if fetchKeys[i].Tier != fetchKeys[j].Tier {
			return fetchKeys[i].Tier < fetchKeys[j].Tier
		}
		return fetchKeys[i].Success < fetchKeys[j].Success
	})
	for _, k := range fetchKeys {
		fmt.Fprintf(&b, "docharvest_fetches_total{tier=\"%s\",success=\"%s\"} %d\n",
			k.Tier, k.Success, fetchesTotal[k])
	}

	b.WriteString("# HELP docharvest_classifications_total Classification decisions by source\n")
	b.WriteString("# TYPE docharvest_classifications_total counter\n")

	var clKeys []classifyKey
	for k := range classifyTotal {
		clKeys = append(clKeys, k)
	}
	sort.Slice(clKeys, func(i, j int) bool {
		if clKeys[i].Provider != clKeys[j].Provider {
			return clKeys[i].Provider < clKeys[j].Provider
		}
		return clKeys[i].Source < clKeys[j].Source
	})
	for _, k := range clKeys {
		fmt.Fprintf(&b, "docharvest_classifications_total{provider=\"%s\",source=\"%s\"} %d\n",
			k.Provider, k.Source, classifyTotal[k])
	}

	b.WriteString("# HELP docharvest_uploads_total Upload outcomes\n")
	b.WriteString("# TYPE docharvest_uploads_total counter\n")

	var results []string
	for r := range uploadsTotal {
		results = append(results, r)
	}
	sort.Strings(results)
	for _, r := range results {
		fmt.Fprintf(&b, "docharvest_uploads_total{result=\"%s\"} %d\n", r, uploadsTotal[r])
	}

	b.WriteString("# HELP docharvest_jobs_started_total Worker processes spawned\n")
	b.WriteString("# TYPE docharvest_jobs_started_total counter\n")

	var kinds []string
	for k := range jobsStarted {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(&b, "docharvest_jobs_started_total{kind=\"%s\"} %d\n", k, jobsStarted[k])
	}

	b.WriteString("# HELP docharvest_jobs_finished_total Jobs reaped by terminal status\n")
	b.WriteString("# TYPE docharvest_jobs_finished_total counter\n")

	var finKeys []finishKey
	for k := range jobsFinished {
		finKeys = append(finKeys, k)
	}
	sort.Slice(finKeys, func(i, j int) bool {
		if finKeys[i].Kind != finKeys[j].Kind {
			return finKeys[i].Kind < finKeys[j].Kind
		}
		return finKeys[i].Status < finKeys[j].Status
	})
	for _, k := range finKeys {
		fmt.Fprintf(&b, "docharvest_jobs_finished_total{kind=\"%s\",status=\"%s\"} %d\n",
			k.Kind, k.Status, jobsFinished[k])
	}

	b.WriteString("# HELP docharvest_schedules_fired_total Recrawl schedules fired\n")
	b.WriteString("# TYPE docharvest_schedules_fired_total counter\n")
	fmt.Fprintf(&b, "docharvest_schedules_fired_total %d\n", schedulesFired)

	b.WriteString("# HELP docharvest_retention_jobs_deleted_total Total jobs deleted by TTL\n")
	b.WriteString("# TYPE docharvest_retention_jobs_deleted_total counter\n")
	fmt.Fprintf(&b, "docharvest_retention_jobs_deleted_total %d\n", retentionJobsDeleted)

	return b.String()
}
