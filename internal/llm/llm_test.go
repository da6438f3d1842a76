package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseJSONObject(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantKey string
		wantErr bool
	}{
		{"bare object", `{"document_type": "Submittal Sheet"}`, "document_type", false},
		{"fenced in prose", "Sure! Here is the answer:\n```json\n{\"document_type\": \"Marketing\"}\n```\nHope that helps.", "document_type", false},
		{"no json at all", "I cannot classify this document.", "", true},
		{"broken json", `{"document_type": `, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fields, err := parseJSONObject(tc.content)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("want error, got %v", fields)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseJSONObject: %v", err)
			}
			if _, ok := fields[tc.wantKey]; !ok {
				t.Errorf("missing key %q in %v", tc.wantKey, fields)
			}
		})
	}
}

func TestOpenAIQuotaError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	c := &openAIClient{
		apiKey:  "k",
		baseURL: srv.URL,
		model:   "m",
		http:    srv.Client(),
	}
	_, err := c.CompleteJSON(context.Background(), Request{System: "s", User: "u", Timeout: time.Second})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("want ErrQuotaExceeded, got %v", err)
	}
}

func TestOpenAICompleteJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"document_type\":\"Specification Sheet\",\"confidence\":0.9}"}}]}`))
	}))
	defer srv.Close()

	c := &openAIClient{apiKey: "k", baseURL: srv.URL, model: "m", http: srv.Client()}
	fields, err := c.CompleteJSON(context.Background(), Request{System: "s", User: "u", Timeout: time.Second})
	if err != nil {
		t.Fatalf("CompleteJSON: %v", err)
	}
	if fields["document_type"] != "Specification Sheet" {
		t.Errorf("document_type = %v", fields["document_type"])
	}
}
