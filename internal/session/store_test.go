package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kpichat/kpichat/internal/dialogue"
)

func TestCreateAndSnapshot(t *testing.T) {
	s := NewStore()
	id := s.Create()
	if id == "" {
		t.Fatal("empty id")
	}

	snap, err := s.Snapshot(id)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.KPI != "" || len(snap.Scope) != 0 {
		t.Fatalf("fresh context not empty: %+v", snap)
	}

	if _, err := s.Snapshot("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWithTurnPersistsContext(t *testing.T) {
	s := NewStore()
	id := s.Create()

	err := s.WithTurn(context.Background(), id, func(qc dialogue.QueryContext) (dialogue.QueryContext, error) {
		qc.KPI = "headcount"
		qc.TimeRange = "202504-202603"
		return qc, nil
	})
	if err != nil {
		t.Fatalf("with turn: %v", err)
	}

	snap, err := s.Snapshot(id)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.KPI != "headcount" || snap.TimeRange != "202504-202603" {
		t.Fatalf("context = %+v", snap)
	}
}

func TestWithTurnErrorDiscardsChanges(t *testing.T) {
	s := NewStore()
	id := s.Create()

	wantErr := errors.New("boom")
	err := s.WithTurn(context.Background(), id, func(qc dialogue.QueryContext) (dialogue.QueryContext, error) {
		qc.KPI = "headcount"
		return qc, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v", err)
	}

	snap, _ := s.Snapshot(id)
	if snap.KPI != "" {
		t.Fatalf("context modified despite error: %+v", snap)
	}
}

func TestWithTurnSerializesSameConversation(t *testing.T) {
	s := NewStore()
	id := s.Create()

	const turns = 50
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithTurn(context.Background(), id, func(qc dialogue.QueryContext) (dialogue.QueryContext, error) {
				qc.Scope = append(qc.Scope, dialogue.ScopeEntry{Category: "tools", Value: "x"})
				return qc, nil
			})
		}()
	}
	wg.Wait()

	snap, _ := s.Snapshot(id)
	if len(snap.Scope) != turns {
		t.Fatalf("scope entries = %d, want %d", len(snap.Scope), turns)
	}
}

func TestPurgeIdle(t *testing.T) {
	s := NewStore()
	base := time.Date(2026, time.January, 10, 9, 0, 0, 0, time.UTC)
	now := base
	s.now = func() time.Time { return now }

	stale := s.Create()
	now = base.Add(2 * time.Hour)
	fresh := s.Create()

	if removed := s.PurgeIdle(time.Hour); removed != 1 {
		t.Fatalf("removed = %d", removed)
	}
	if _, err := s.Snapshot(stale); !errors.Is(err, ErrNotFound) {
		t.Fatal("stale conversation survived")
	}
	if _, err := s.Snapshot(fresh); err != nil {
		t.Fatalf("fresh conversation dropped: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("len = %d", s.Len())
	}
}
