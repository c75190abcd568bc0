package main

import (
	"errors"
	"testing"
)

func TestStatus(t *testing.T) {
	if err := status(0, nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	var code exitStatus
	if err := status(3, nil); !errors.As(err, &code) || code != 3 {
		t.Fatalf("expected exit status 3, got %v", err)
	}
	boom := errors.New("boom")
	if err := status(-1, boom); err != boom {
		t.Fatalf("expected the run error, got %v", err)
	}
}

func TestForwardWithoutRules(t *testing.T) {
	f := &forwardCmd{Target: "example.org"}
	if err := f.Run(); err == nil {
		t.Fatal("expected an error without forwards")
	}
	f = &forwardCmd{Target: "example.org", Local: []string{"8080"}}
	if err := f.Run(); err == nil {
		t.Fatal("expected a parse error")
	}
}
