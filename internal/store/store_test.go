package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/cineflow/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	got, err := s.LoadSnapshot(ctx, "r1")
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if got != nil {
		t.Fatal("Expected no snapshot for a new room")
	}

	seed := int64(3)
	snap := models.Snapshot{
		Nodes: []models.Node{
			{ID: "n1", Kind: models.NodeKindImage, Data: models.NodeData{Status: models.NodeStatusSuccess, Seed: &seed}},
			{ID: "n2", Kind: models.NodeKindText},
		},
		Edges:    []models.Edge{{ID: "e1", Source: "n1", Target: "n2"}},
		Viewport: models.Viewport{Zoom: 1.5},
	}
	if err := s.SaveSnapshot(ctx, "r1", snap); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	// Overwrite keeps a single row per room
	snap.Viewport.Zoom = 2
	if err := s.SaveSnapshot(ctx, "r1", snap); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	got, err = s.LoadSnapshot(ctx, "r1")
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if len(got.Nodes) != 2 || len(got.Edges) != 1 {
		t.Fatalf("Expected 2 nodes and 1 edge, got %d and %d", len(got.Nodes), len(got.Edges))
	}
	if got.Viewport.Zoom != 2 {
		t.Errorf("Expected zoom 2, got %v", got.Viewport.Zoom)
	}
	if got.Nodes[0].Data.Seed == nil || *got.Nodes[0].Data.Seed != 3 {
		t.Error("Seed was not preserved")
	}

	rooms, err := s.ListSnapshotRooms(ctx)
	if err != nil {
		t.Fatalf("ListSnapshotRooms failed: %v", err)
	}
	if len(rooms) != 1 || rooms[0] != "r1" {
		t.Errorf("Expected [r1], got %v", rooms)
	}
}

func TestTaskHistory(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	now := time.Now().UTC()
	task := models.GenerationTask{
		ID:        "t1",
		RoomID:    "r1",
		NodeID:    "n1",
		Model:     "mock",
		Status:    models.TaskStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}

	seed := int64(11)
	task.Status = models.TaskStatusSucceeded
	task.Progress = 100
	task.ProviderRef = "stub_1"
	task.Result = &models.TaskResult{URL: "https://img/1.png", Seed: &seed}
	task.UpdatedAt = now.Add(time.Second)
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask update failed: %v", err)
	}

	other := models.GenerationTask{
		ID: "t2", RoomID: "r2", NodeID: "n9", Model: "mock",
		Status: models.TaskStatusFailed, Error: "boom",
		CreatedAt: now.Add(time.Minute), UpdatedAt: now.Add(time.Minute),
	}
	if err := s.SaveTask(ctx, other); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != models.TaskStatusSucceeded || got.Progress != 100 {
		t.Errorf("Unexpected task state: %s %d", got.Status, got.Progress)
	}
	if got.Result == nil || got.Result.URL != "https://img/1.png" || *got.Result.Seed != 11 {
		t.Errorf("Result not persisted: %+v", got.Result)
	}

	missing, err := s.GetTask(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("Expected nil task without error, got %v, %v", missing, err)
	}

	all, err := s.ListTasks(ctx, "", "")
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(all) != 2 || all[0].ID != "t2" {
		t.Errorf("Expected newest first, got %+v", all)
	}

	failed, err := s.ListTasks(ctx, "r2", string(models.TaskStatusFailed))
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(failed) != 1 || failed[0].Error != "boom" {
		t.Errorf("Expected one failed task, got %+v", failed)
	}
}

func TestTaskEvents(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	for _, action := range []string{"task.start", "task.processing", "task.succeeded"} {
		if _, err := s.WriteTaskEvent(ctx, action, "hash", "success", "t1", "r1", ""); err != nil {
			t.Fatalf("WriteTaskEvent failed: %v", err)
		}
	}
	if _, err := s.WriteTaskEvent(ctx, "task.start", "hash", "success", "t2", "r1", ""); err != nil {
		t.Fatalf("WriteTaskEvent failed: %v", err)
	}

	events, err := s.ListTaskEvents(ctx, "t1")
	if err != nil {
		t.Fatalf("ListTaskEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	if events[0].Action != "task.start" || events[2].Action != "task.succeeded" {
		t.Errorf("Events out of order: %+v", events)
	}
	if events[0].RoomID != "r1" {
		t.Errorf("Expected room r1, got %q", events[0].RoomID)
	}
}
