package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRunEnginesList(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"engine_id":"e1","stage":"asr"}]`))
	}))
	defer srv.Close()

	if err := run(context.Background(), []string{"--addr", srv.URL, "engines", "list"}); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	if gotPath != "/admin/engines" {
		t.Fatalf("expected /admin/engines, got %s", gotPath)
	}
}

func TestRunEnginesDrain(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.Write([]byte(`{"engine_id":"e1","status":"draining"}`))
	}))
	defer srv.Close()

	if err := run(context.Background(), []string{"--addr", srv.URL, "engines", "drain", "e1"}); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/admin/engines/e1/drain" {
		t.Fatalf("expected POST /admin/engines/e1/drain, got %s %s", gotMethod, gotPath)
	}
}

func TestRunJobsCancel(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"job_id":"j1","status":"cancel_requested"}`))
	}))
	defer srv.Close()

	if err := run(context.Background(), []string{"--addr", srv.URL, "jobs", "cancel", "j1"}); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	if gotPath != "/admin/jobs/j1/cancel" {
		t.Fatalf("expected /admin/jobs/j1/cancel, got %s", gotPath)
	}
}

func TestRunJobsRetryTask(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"status":"retry_requested"}`))
	}))
	defer srv.Close()

	if err := run(context.Background(), []string{"--addr", srv.URL, "jobs", "retry-task", "j1", "t1"}); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	if gotPath != "/admin/jobs/j1/tasks/t1/retry" {
		t.Fatalf("expected /admin/jobs/j1/tasks/t1/retry, got %s", gotPath)
	}
}

func TestRunWebhooksDeliveriesListRequiresTenant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("server should not be called without --tenant")
	}))
	defer srv.Close()

	if err := run(context.Background(), []string{"--addr", srv.URL, "webhooks", "deliveries", "list"}); err == nil {
		t.Fatalf("expected error when --tenant is missing")
	}
}

func TestRunWebhooksDeliveriesList(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	err := run(context.Background(), []string{"--addr", srv.URL, "webhooks", "deliveries", "list", "--tenant", "acme", "--limit", "10"})
	if err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	if gotQuery != "tenant_id=acme&limit=10" {
		t.Fatalf("unexpected query: %s", gotQuery)
	}
}

func TestRunSessionsListAndTerminate(t *testing.T) {
	var gotPaths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPaths = append(gotPaths, r.URL.Path)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	if err := run(context.Background(), []string{"--addr", srv.URL, "sessions", "list"}); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	if err := run(context.Background(), []string{"--addr", srv.URL, "sessions", "terminate", "s1"}); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	if len(gotPaths) != 2 || gotPaths[0] != "/admin/sessions" || gotPaths[1] != "/admin/sessions/s1/terminate" {
		t.Fatalf("unexpected request paths: %v", gotPaths)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	if err := run(context.Background(), []string{"bogus"}); err == nil {
		t.Fatalf("expected error for unknown command")
	}
}

func TestRunNoCommand(t *testing.T) {
	if err := run(context.Background(), []string{}); err == nil {
		t.Fatalf("expected error when no command is given")
	}
}
