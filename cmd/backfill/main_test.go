package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/recoverly/accrual-service/internal/app"
)

func TestDayRange(t *testing.T) {
	days, err := dayRange("2024-02-28", "2024-03-01")
	if err != nil {
		t.Fatalf("dayRange returned error: %v", err)
	}
	want := []string{"2024-02-28", "2024-02-29", "2024-03-01"}
	if strings.Join(days, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, days)
	}

	if _, err := dayRange("2024-03-02", "2024-03-01"); err == nil {
		t.Fatal("expected error for reversed range")
	}
	if _, err := dayRange("", ""); err == nil {
		t.Fatal("expected error for missing -from")
	}
	if single, _ := dayRange("2024-03-01", ""); len(single) != 1 {
		t.Fatalf("expected single day when -to is omitted, got %v", single)
	}
}

func TestReplay_RunsDaysInOrderAndStopsOnFailure(t *testing.T) {
	var seen []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Internal-API-Key") != "secret" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		seen = append(seen, body["as_of"])

		report := app.RunReport{AsOf: body["as_of"], UsersProcessed: 1}
		if body["as_of"] == "2024-03-02" {
			report.UsersFailed = 1
		}
		_ = json.NewEncoder(w).Encode(report)
	}))
	defer server.Close()

	client := &runClient{baseURL: server.URL, apiKey: "secret", http: server.Client()}
	var out bytes.Buffer
	err := replay(context.Background(), client, []string{"2024-03-01", "2024-03-02", "2024-03-03"}, &out)

	if err == nil || !strings.Contains(err.Error(), "2024-03-02") {
		t.Fatalf("expected failure on 2024-03-02, got %v", err)
	}
	if strings.Join(seen, ",") != "2024-03-01,2024-03-02" {
		t.Fatalf("expected replay to stop after the failing day, got %v", seen)
	}
	if !strings.Contains(out.String(), "2024-03-01  processed=1") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestRunClient_SurfacesAPIErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := &runClient{baseURL: server.URL, apiKey: "wrong", http: server.Client()}
	if _, err := client.run(context.Background(), "2024-03-01"); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 error, got %v", err)
	}
}
