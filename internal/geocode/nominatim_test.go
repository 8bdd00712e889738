package geocode

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNominatimGeocode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("q") != "Marina Beach, Chennai" {
			t.Errorf("unexpected query %q", r.URL.Query().Get("q"))
		}
		if r.Header.Get("User-Agent") != "reliefhub-test" {
			t.Errorf("missing user agent, got %q", r.Header.Get("User-Agent"))
		}
		_, _ = w.Write([]byte(`[{"lat":"13.0500","lon":"80.2824","display_name":"Marina Beach"}]`))
	}))
	defer server.Close()

	provider := NewNominatim(server.URL+"/", "reliefhub-test", time.Second)
	coords, err := provider.Geocode(context.Background(), "Marina Beach, Chennai")
	if err != nil {
		t.Fatalf("geocode failed: %v", err)
	}
	if coords.Lat != 13.05 || coords.Lon != 80.2824 {
		t.Fatalf("unexpected coordinates %+v", coords)
	}
}

func TestNominatimErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		hard   bool
		noHit  bool
	}{
		{name: "empty result", status: http.StatusOK, body: `[]`, hard: true, noHit: true},
		{name: "rate limited", status: http.StatusTooManyRequests, body: ``, hard: false},
		{name: "server error", status: http.StatusBadGateway, body: ``, hard: false},
		{name: "bad request", status: http.StatusBadRequest, body: `bad query`, hard: true},
		{name: "garbage lat", status: http.StatusOK, body: `[{"lat":"north","lon":"1"}]`, hard: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			_, err := NewNominatim(server.URL, "", time.Second).Geocode(context.Background(), "x")
			if err == nil {
				t.Fatal("expected error")
			}
			if IsHard(err) != tc.hard {
				t.Fatalf("expected hard=%v, got %v (%v)", tc.hard, IsHard(err), err)
			}
			if errors.Is(err, ErrNoMatch) != tc.noHit {
				t.Fatalf("expected ErrNoMatch=%v, got %v", tc.noHit, err)
			}
		})
	}
}

func TestNominatimTransportFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewNominatim(url, "", time.Second).Geocode(context.Background(), "x")
	if err == nil {
		t.Fatal("expected error")
	}
	if IsHard(err) {
		t.Fatalf("transport failure must be transient, got %v", err)
	}
}
