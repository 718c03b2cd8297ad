package handlers

import (
	"context"
	"encoding/json"
	"testing"
)

func TestEchoReturnsMessage(t *testing.T) {
	out, err := Echo(context.Background(), json.RawMessage(`{"message":"hello"}`))
	if err != nil {
		t.Fatalf("Echo: %v", err)
	}
	var res echoResult
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.Status != "success" || res.Output != "hello" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestEchoInvalidPayload(t *testing.T) {
	if _, err := Echo(context.Background(), json.RawMessage(`not json`)); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestPassThroughEchoesRawPayload(t *testing.T) {
	out, err := PassThrough(context.Background(), json.RawMessage(`{"anything":"goes"}`))
	if err != nil {
		t.Fatalf("PassThrough: %v", err)
	}
	var res passThroughResult
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.Status != "success" {
		t.Errorf("expected success status, got %s", res.Status)
	}
	if string(res.Output) != `{"anything":"goes"}` {
		t.Errorf("unexpected echoed output: %s", res.Output)
	}
}

func TestRegistryLookupFallsBackToPassThrough(t *testing.T) {
	r := NewRegistry()
	h := r.Lookup("unregistered-task")
	out, err := h(context.Background(), json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	var res passThroughResult
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.Status != "success" {
		t.Errorf("expected success, got %s", res.Status)
	}
}

func TestRegistryLookupFindsEcho(t *testing.T) {
	r := NewRegistry()
	h := r.Lookup("echo")
	out, err := h(context.Background(), json.RawMessage(`{"message":"registered"}`))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	var res echoResult
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.Output != "registered" {
		t.Errorf("expected registered, got %s", res.Output)
	}
}
