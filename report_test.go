package pushsub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPReporter_Report(t *testing.T) {
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/wwwpush/add_sub" {
			t.Errorf("path = %s, want /wwwpush/add_sub", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		if a := r.Header.Get("Accept"); a != "application/json" {
			t.Errorf("Accept = %q, want application/json", a)
		}
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"success":true}`)) //nolint:errcheck
	}))
	defer server.Close()

	resp, err := NewHTTPReporter(server.URL+"/").
		WithHTTPClient(server.Client()).
		Report(context.Background(), WWWPush.ReportPath, WWWPush.Payload(testSub))
	if err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	if string(resp) != `{"success":true}` {
		t.Errorf("Report() response = %s", resp)
	}

	var wrapped WrappedSubscription
	if err := json.Unmarshal(gotBody, &wrapped); err != nil {
		t.Fatalf("body is not a wrapped subscription: %v", err)
	}
	if wrapped.Username != "testuser" || wrapped.PushSub == nil || *wrapped.PushSub != *testSub {
		t.Errorf("body = %s", gotBody)
	}
}

func TestHTTPReporter_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{"not found", func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}},
		{"not json", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("<html>ok</html>")) //nolint:errcheck
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			_, err := NewHTTPReporter(server.URL).Report(context.Background(), "/gcm/add_sub", testSub)
			if !errors.Is(err, ErrNetwork) {
				t.Errorf("Report() error = %v, want ErrNetwork", err)
			}
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		_, err := NewHTTPReporter(url).Report(context.Background(), "/gcm/add_sub", testSub)
		if !errors.Is(err, ErrNetwork) {
			t.Errorf("Report() error = %v, want ErrNetwork", err)
		}
	})

	t.Run("unmarshalable payload", func(t *testing.T) {
		_, err := NewHTTPReporter("http://unused").Report(context.Background(), "/x", make(chan int))
		if !errors.Is(err, ErrNetwork) {
			t.Errorf("Report() error = %v, want ErrNetwork", err)
		}
	})
}
