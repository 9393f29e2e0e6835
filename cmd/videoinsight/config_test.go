package main

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/videoinsight/internal/config"
)

func TestRedact(t *testing.T) {
	var c config.Config
	c.Transcription.APIKey = "sk-123"
	c.Analysis.APIKeys = []string{"k1", "k2"}
	c.Artifacts.MinIO.AccessKey = "minio"

	out, err := yaml.Marshal(redact(c))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, secret := range []string{"sk-123", "k1", "k2"} {
		if strings.Contains(string(out), secret) {
			t.Fatalf("%q leaked:\n%s", secret, out)
		}
	}
	if !strings.Contains(string(out), "access_key: minio") {
		t.Fatalf("access key should stay visible:\n%s", out)
	}
	if c.Analysis.APIKeys[0] != "k1" {
		t.Fatal("redact modified the original config")
	}
}
