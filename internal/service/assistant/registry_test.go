package assistant_test

import (
	"context"
	"testing"
	"time"

	"github.com/zhouzirui/z-assistant/backend/internal/service/ai"
	"github.com/zhouzirui/z-assistant/backend/internal/service/assistant"
	"github.com/zhouzirui/z-assistant/backend/internal/service/history"
)

func TestRegistryGetAndPrune(t *testing.T) {
	store, err := history.NewJSONStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewJSONStore err: %v", err)
	}
	svc, err := ai.NewService(context.Background(), &echoModel{}, ai.Options{})
	if err != nil {
		t.Fatalf("NewService err: %v", err)
	}

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := assistant.NewDriver(store, svc, nil, assistant.Options{Now: func() time.Time { return now }})
	reg := assistant.NewRegistry(d, time.Hour, nil)

	id, st := reg.Get("")
	if id == "" || st == nil {
		t.Fatal("expected a new client id and state")
	}
	sameID, same := reg.Get(id)
	if sameID != id || same != st {
		t.Fatal("known id should return the same state")
	}
	if badID, _ := reg.Get("not-a-uuid"); badID == "not-a-uuid" {
		t.Fatal("invalid ids must be replaced")
	}
	if reg.Len() != 2 {
		t.Fatalf("unexpected registry size: %d", reg.Len())
	}

	now = now.Add(30 * time.Minute)
	reg.Get(id)

	now = now.Add(45 * time.Minute)
	if removed := reg.Prune(); removed != 1 {
		t.Fatalf("expected one idle state pruned, got %d", removed)
	}
	if _, kept := reg.Get(id); kept != st {
		t.Fatal("recently used state should survive pruning")
	}

	if d.AudioEnabled() {
		t.Fatal("nil transcriber should disable audio")
	}
}
