package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestNewProvider_EmptyEndpointIsNoOp(t *testing.T) {
	p, err := NewProvider(context.Background(), "", "storage-test", false)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if p.TracerProvider == nil {
		t.Error("TracerProvider should not be nil")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestNewProvider_WhitespaceEndpointIsNoOp(t *testing.T) {
	p, err := NewProvider(context.Background(), "   ", "storage-test", false)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if p.TracerProvider == nil {
		t.Error("TracerProvider should not be nil")
	}
}

func TestNewProvider_InvalidEndpoint(t *testing.T) {
	if _, err := NewProvider(context.Background(), "http://", "storage-test", false); err == nil {
		t.Error("expected error for endpoint without host")
	}
}

func TestSetGlobal(t *testing.T) {
	old := otel.GetTracerProvider()
	defer otel.SetTracerProvider(old)

	p, err := NewProvider(context.Background(), "", "storage-test", false)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	p.SetGlobal()
	if otel.GetTracerProvider() != p.TracerProvider {
		t.Error("global TracerProvider was not replaced")
	}
}
