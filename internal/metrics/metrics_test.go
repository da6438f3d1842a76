package metrics

import (
	"strings"
	"testing"
)

func TestRecordRequestAndExport(t *testing.T) {
	RecordRequest("GET", "/api/stats", 200, 12)
	RecordRequest("GET", "/api/stats", 200, 8)

	out := Export()
	if !strings.Contains(out, `docharvest_http_requests_total{method="GET",path="/api/stats",status="200"} 2`) {
		t.Fatalf("expected request counter for GET /api/stats in export, got:\n%s", out)
	}
	if !strings.Contains(out, `docharvest_http_request_duration_ms_sum{method="GET",path="/api/stats"} 20`) {
		t.Fatalf("expected latency sum of 20ms in export, got:\n%s", out)
	}
	if !strings.Contains(out, `docharvest_http_request_duration_ms_count{method="GET",path="/api/stats"} 2`) {
		t.Fatalf("expected latency count of 2 in export, got:\n%s", out)
	}
}

func TestRecordFetchMetrics(t *testing.T) {
	RecordFetch("direct", true)
	RecordFetch("browser", false)

	out := Export()
	if !strings.Contains(out, `docharvest_fetches_total{tier="direct",success="true"} 1`) {
		t.Fatalf("expected direct fetch counter, got:\n%s", out)
	}
	if !strings.Contains(out, `docharvest_fetches_total{tier="browser",success="false"} 1`) {
		t.Fatalf("expected browser fetch counter, got:\n%s", out)
	}
}

func TestRecordClassificationMetrics(t *testing.T) {
	RecordClassification("openai", "llm")
	RecordClassification("openai", "heuristic")
	RecordClassification("openai", "heuristic")

	out := Export()
	if !strings.Contains(out, `docharvest_classifications_total{provider="openai",source="llm"} 1`) {
		t.Fatalf("expected llm classification counter, got:\n%s", out)
	}
	if !strings.Contains(out, `docharvest_classifications_total{provider="openai",source="heuristic"} 2`) {
		t.Fatalf("expected heuristic classification counter, got:\n%s", out)
	}
}

func TestRecordUploadMetrics(t *testing.T) {
	RecordUpload("uploaded")
	RecordUpload("skipped")
	RecordUpload("failed")

	out := Export()
	for _, want := range []string{
		`docharvest_uploads_total{result="uploaded"} 1`,
		`docharvest_uploads_total{result="skipped"} 1`,
		`docharvest_uploads_total{result="failed"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in export, got:\n%s", want, out)
		}
	}
}

func TestRecordJobMetrics(t *testing.T) {
	RecordJobStarted("crawl")
	RecordJobFinished("crawl", "completed")
	RecordJobFinished("bulk_upload", "failed")

	out := Export()
	if !strings.Contains(out, `docharvest_jobs_started_total{kind="crawl"} 1`) {
		t.Fatalf("expected jobs started counter, got:\n%s", out)
	}
	if !strings.Contains(out, `docharvest_jobs_finished_total{kind="crawl",status="completed"} 1`) {
		t.Fatalf("expected crawl finished counter, got:\n%s", out)
	}
	if !strings.Contains(out, `docharvest_jobs_finished_total{kind="bulk_upload",status="failed"} 1`) {
		t.Fatalf("expected bulk finished counter, got:\n%s", out)
	}
}

func TestRecordScheduleAndRetention(t *testing.T) {
	RecordScheduleFired()
	RecordRetentionJobs(3)
	RecordRetentionJobs(0)
	RecordRetentionJobs(-5)

	out := Export()
	if !strings.Contains(out, "docharvest_schedules_fired_total 1") {
		t.Fatalf("expected schedules fired counter, got:\n%s", out)
	}
	if !strings.Contains(out, "docharvest_retention_jobs_deleted_total 3") {
		t.Fatalf("non-positive deltas must not move the retention counter, got:\n%s", out)
	}
}

func TestExportHeaders(t *testing.T) {
	out := Export()
	for _, metric := range []string{
		"docharvest_http_requests_total",
		"docharvest_fetches_total",
		"docharvest_classifications_total",
		"docharvest_uploads_total",
		"docharvest_jobs_started_total",
		"docharvest_jobs_finished_total",
		"docharvest_schedules_fired_total",
		"docharvest_retention_jobs_deleted_total",
	} {
		if !strings.Contains(out, "# HELP "+metric) {
			t.Errorf("missing HELP line for %s", metric)
		}
		if !strings.Contains(out, "# TYPE "+metric+" counter") {
			t.Errorf("missing TYPE line for %s", metric)
		}
	}
}
