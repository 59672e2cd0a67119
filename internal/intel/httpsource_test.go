package intel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/halcyonlabs/sentinel/internal/incident"
)

func TestHTTPSource_Lookup(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/reputation" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("indicator"); got != "185.220.101.45" {
			t.Errorf("indicator = %q", got)
		}
		if got := r.URL.Query().Get("type"); got != "ip" {
			t.Errorf("type = %q", got)
		}
		if got := r.Header.Get("X-Api-Key"); got != "secret" {
			t.Errorf("api key = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"indicator":"185.220.101.45","malicious":true,"score":95,"tags":["tor-exit","scanner"]}`))
	}))
	defer srv.Close()

	s := NewHTTPSource(srv.URL, "secret")
	rep, err := s.Lookup(context.Background(), incident.IOC{Kind: incident.IOCIPAddress, Value: "185.220.101.45"})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !rep.Known || !rep.Malicious || rep.Score != 95 {
		t.Errorf("rep = %+v", rep)
	}
	if len(rep.Tags) != 2 {
		t.Errorf("tags = %v", rep.Tags)
	}
}

func TestHTTPSource_RateLimited(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := NewHTTPSource(srv.URL, "")
	_, err := s.Lookup(context.Background(), incident.IOC{Kind: incident.IOCIPAddress, Value: "1.1.1.1"})
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("err = %v, want rate limited", err)
	}
}

func TestHTTPSource_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewHTTPSource(srv.URL, "")
	if _, err := s.Lookup(context.Background(), incident.IOC{Kind: incident.IOCDomain, Value: "x.example"}); err == nil {
		t.Error("expected error on 500")
	}
}
