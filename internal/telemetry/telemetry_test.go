package telemetry

import (
	"context"
	"testing"
)

func TestSetup_RequiresEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{})
	if err == nil {
		t.Fatal("expected error for empty endpoint, got nil")
	}
	if shutdown == nil {
		t.Fatal("shutdown func is nil, want no-op")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("no-op shutdown returned %v", err)
	}
}

func TestNewResource_DefaultServiceName(t *testing.T) {
	res, err := newResource("")
	if err != nil {
		t.Fatalf("newResource: %v", err)
	}
	found := false
	for _, kv := range res.Attributes() {
		if string(kv.Key) == "service.name" {
			found = true
			if kv.Value.AsString() != DefaultServiceName {
				t.Errorf("service.name = %q, want %q", kv.Value.AsString(), DefaultServiceName)
			}
		}
	}
	if !found {
		t.Error("service.name attribute missing")
	}
}
