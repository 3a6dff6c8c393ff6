package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestProbeSizeViaHead(t *testing.T) {
	body := strings.Repeat("x", 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4096")
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Write([]byte(body))
	}))
	defer srv.Close()

	f := NewHTTPFetcher()
	result, err := f.ProbeSize(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatalf("ProbeSize: %v", err)
	}
	if !result.Known || result.TotalSize != 4096 {
		t.Fatalf("expected known size 4096, got %+v", result)
	}
}

func TestProbeSizeFallsBackToRangeProbe(t *testing.T) {
	body := strings.Repeat("y", 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "bytes=0-0" {
			w.Header().Set("Content-Range", "bytes 0-0/2048")
			w.WriteHeader(http.StatusPartialContent)
			w.Write([]byte(body[:1]))
			return
		}
		w.Write([]byte(body))
	}))
	defer srv.Close()

	f := NewHTTPFetcher()
	result, err := f.ProbeSize(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatalf("ProbeSize: %v", err)
	}
	if !result.Known || result.TotalSize != 2048 {
		t.Fatalf("expected known size 2048 from Content-Range, got %+v", result)
	}
}

func TestProbeSizeUnknownOnTotalFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewHTTPFetcher()
	result, err := f.ProbeSize(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatalf("ProbeSize should not error, got: %v", err)
	}
	if result.Known {
		t.Fatalf("expected Known=false, got %+v", result)
	}
}

func TestFetchRangeReturnsExactBytes(t *testing.T) {
	body := "0123456789ABCDEF"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 4-7/16")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(body[4:8]))
	}))
	defer srv.Close()

	f := NewHTTPFetcher()
	result := f.FetchRange(context.Background(), srv.URL, 4, 7, Options{})
	if result.Outcome != Success {
		t.Fatalf("expected Success, got outcome=%v err=%v", result.Outcome, result.Err)
	}
	if string(result.Data) != "4567" {
		t.Fatalf("expected body %q, got %q", "4567", result.Data)
	}
}

func TestFetchRangePermanentOnLengthMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("too much data than requested"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher()
	result := f.FetchRange(context.Background(), srv.URL, 0, 3, Options{})
	if result.Outcome != Permanent {
		t.Fatalf("expected Permanent on length mismatch, got %v", result.Outcome)
	}
}

func TestFetchRangePermanentOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewHTTPFetcher()
	result := f.FetchRange(context.Background(), srv.URL, 0, 3, Options{})
	if result.Outcome != Permanent {
		t.Fatalf("expected Permanent on 404, got %v", result.Outcome)
	}
}

func TestFetchRangeTransientOn500(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewHTTPFetcher()
	f.client.RetryMax = 0 // isolate the classification from retryablehttp's own retry loop
	result := f.FetchRange(context.Background(), srv.URL, 0, 3, Options{})
	if result.Outcome != Transient {
		t.Fatalf("expected Transient on 500, got %v", result.Outcome)
	}
}
