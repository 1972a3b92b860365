package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"fieldsync/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
)

func newTestProjection(t *testing.T) *ProjectionCache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewProjectionCache(rdb, time.Hour)
}

func TestProjection_ConfirmedRoundTrip(t *testing.T) {
	p := newTestProjection(t)
	ctx := context.Background()

	state := json.RawMessage(`{"status":"en_route_pickup"}`)
	if err := p.SetConfirmed(ctx, "task:1", 5, state); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := p.Confirmed(ctx, "task:1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Version != 5 {
		t.Fatalf("confirmed = %+v, want version 5", got)
	}
	if diff := cmp.Diff(state, got.State); diff != "" {
		t.Errorf("state (-want +got):\n%s", diff)
	}
}

func TestProjection_UnknownEntityIsNil(t *testing.T) {
	p := newTestProjection(t)
	got, err := p.Confirmed(context.Background(), "task:404")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("confirmed = %+v, want nil for never-acked entity", got)
	}
}

func TestProjection_StaleAckDoesNotRegress(t *testing.T) {
	p := newTestProjection(t)
	ctx := context.Background()

	if err := p.SetConfirmed(ctx, "task:1", 7, json.RawMessage(`{"v":7}`)); err != nil {
		t.Fatalf("set v7: %v", err)
	}
	if err := p.SetConfirmed(ctx, "task:1", 6, json.RawMessage(`{"v":6}`)); err != nil {
		t.Fatalf("set v6: %v", err)
	}

	got, err := p.Confirmed(ctx, "task:1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 7 {
		t.Errorf("version = %d, want 7 kept over the stale ack", got.Version)
	}
}

func TestProjection_ViewOverlaysPending(t *testing.T) {
	p := newTestProjection(t)
	ctx := context.Background()

	if err := p.SetConfirmed(ctx, "task:1", 3, json.RawMessage(`{"status":"assigned"}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	pending := []model.Action{
		{ID: "a1", EntityKey: "task:1", Kind: model.KindUpdateTask, Payload: `{"status":"en_route_pickup"}`},
		{ID: "a2", EntityKey: "task:1", Kind: model.KindConfirmPickup},
	}

	view, err := p.View(ctx, "task:1", pending)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.Confirmed == nil || view.Confirmed.Version != 3 {
		t.Fatalf("confirmed layer = %+v", view.Confirmed)
	}
	if len(view.Pending) != 2 || view.Pending[0].ID != "a1" {
		t.Errorf("pending overlay = %+v", view.Pending)
	}
}
