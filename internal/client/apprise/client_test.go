package apprise

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/videoinsight/internal/config"
)

func TestNotify(t *testing.T) {
	var got NotifyRequest
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(config.AppriseConfig{Enabled: true, BaseURL: srv.URL + "/", Key: "videos"})
	if err := c.NotifySuccess(context.Background(), "Notes Ready", "lecture.md"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if path != "/notify/videos" {
		t.Fatalf("path = %s", path)
	}
	if got.Title != "Notes Ready" || got.Type != TypeSuccess || got.Tag != "all" || got.Format != "markdown" {
		t.Fatalf("request = %+v", got)
	}
}

func TestNotifyErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(config.AppriseConfig{Enabled: true, BaseURL: srv.URL, Key: "missing", Tag: "ops"})
	if err := c.NotifyError(context.Background(), "Failed", "boom"); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestNotifyDisabled(t *testing.T) {
	c := NewClient(config.AppriseConfig{Enabled: false, BaseURL: "http://127.0.0.1:1"})
	if err := c.NotifySuccess(context.Background(), "t", "b"); err != nil {
		t.Fatalf("disabled client should be a no-op: %v", err)
	}
}
