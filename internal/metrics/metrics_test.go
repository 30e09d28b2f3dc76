package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeHost(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeHost(tc.input); got != tc.expected {
				t.Errorf("SanitizeHost(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if dispatchAttemptsTotal == nil || persistItemsTotal == nil ||
		httpRequestsTotal == nil || streamFlushSize == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	before := testutil.ToFloat64(persistItemsTotal.WithLabelValues("created"))
	ObservePersist(2, 1, 1, 0, nil)
	if val := testutil.ToFloat64(persistItemsTotal.WithLabelValues("created")); val != before+2 {
		t.Errorf("Expected created counter to grow by 2, got %f", val-before)
	}
}

func TestObserveDispatch(t *testing.T) {
	Init()
	before := testutil.ToFloat64(dispatchOutcomesTotal.WithLabelValues("pass1", "error"))
	ObserveDispatchAttempt("pass1", "transient", time.Second)
	ObserveDispatchOutcome("pass1", false)
	if val := testutil.ToFloat64(dispatchOutcomesTotal.WithLabelValues("pass1", "error")); val != before+1 {
		t.Errorf("Expected error outcome counter to grow by 1, got %f", val-before)
	}
}

// Fuzz test for SanitizeHost.
func FuzzSanitizeHost(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeHost(orig)
		if sanitized == "" {
			t.Errorf("SanitizeHost(%q) returned an empty string", orig)
		}
	})
}
