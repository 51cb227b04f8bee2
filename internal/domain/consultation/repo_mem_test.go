package consultation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newStoredConsultation(lawyerID uuid.UUID, start time.Time, status Status) *Consultation {
	return &Consultation{
		ID:              uuid.New(),
		ClientID:        uuid.New(),
		LawyerID:        lawyerID,
		ScheduledAt:     start,
		DurationMinutes: 60,
		Modality:        ModalityVideo,
		Status:          status,
	}
}

func TestMemoryRepository_RollbackOnError(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	lawyerID := uuid.New()
	c := newStoredConsultation(lawyerID, at(2, 14, 0), StatusPending)

	boom := errors.New("boom")
	err := repo.WithinLawyerTx(ctx, lawyerID, func(tx LawyerTx) error {
		if err := tx.Insert(ctx, c); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if _, err := repo.Get(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected rolled back insert to be absent, got %v", err)
	}
}

func TestMemoryRepository_StagedWritesAreVisibleInTx(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	lawyerID := uuid.New()
	c := newStoredConsultation(lawyerID, at(2, 14, 0), StatusPending)

	err := repo.WithinLawyerTx(ctx, lawyerID, func(tx LawyerTx) error {
		if err := tx.Insert(ctx, c); err != nil {
			return err
		}
		found, err := tx.FindConflicting(ctx, NewInterval(at(2, 14, 30), 30), uuid.Nil)
		if err != nil {
			return err
		}
		if len(found) != 1 {
			t.Errorf("expected staged insert to conflict, got %d", len(found))
		}

		cur, err := tx.GetForUpdate(ctx, c.ID)
		if err != nil {
			return err
		}
		cur.Status = StatusCancelled
		if err := tx.Update(ctx, cur); err != nil {
			return err
		}
		found, _ = tx.FindConflicting(ctx, NewInterval(at(2, 14, 30), 30), uuid.Nil)
		if len(found) != 0 {
			t.Errorf("expected staged cancellation to free the interval, got %d", len(found))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithinLawyerTx: %v", err)
	}

	got, err := repo.Get(ctx, c.ID)
	if err != nil || got.Status != StatusCancelled {
		t.Fatalf("Get = %v, %v", got, err)
	}
}

func TestMemoryRepository_InsertAndUpdateGuards(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	lawyerID := uuid.New()
	c := newStoredConsultation(lawyerID, at(2, 14, 0), StatusPending)

	if err := repo.WithinLawyerTx(ctx, lawyerID, func(tx LawyerTx) error { return tx.Insert(ctx, c) }); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := repo.WithinLawyerTx(ctx, lawyerID, func(tx LawyerTx) error { return tx.Insert(ctx, c) }); err == nil {
		t.Error("expected duplicate insert to fail")
	}

	other := newStoredConsultation(uuid.New(), at(2, 14, 0), StatusPending)
	if err := repo.WithinLawyerTx(ctx, lawyerID, func(tx LawyerTx) error { return tx.Insert(ctx, other) }); err == nil {
		t.Error("expected insert for another lawyer to fail")
	}

	ghost := newStoredConsultation(lawyerID, at(2, 16, 0), StatusPending)
	err := repo.WithinLawyerTx(ctx, lawyerID, func(tx LawyerTx) error { return tx.Update(ctx, ghost) })
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found updating a missing consultation, got %v", err)
	}
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	lawyerID := uuid.New()
	c := newStoredConsultation(lawyerID, at(2, 14, 0), StatusConfirmed)
	if err := repo.WithinLawyerTx(ctx, lawyerID, func(tx LawyerTx) error { return tx.Insert(ctx, c) }); err != nil {
		t.Fatalf("insert: %v", err)
	}
	c.Status = StatusCancelled

	got, _ := repo.Get(ctx, c.ID)
	if got.Status != StatusConfirmed {
		t.Fatal("caller mutation leaked into the store")
	}
	got.Status = StatusCompleted
	again, _ := repo.Get(ctx, c.ID)
	if again.Status != StatusConfirmed {
		t.Fatal("returned value aliases the store")
	}

	tpl := &Template{LawyerID: lawyerID, Weekly: map[time.Weekday][]Window{time.Monday: {{Start: 540, End: 600, Available: true}}}}
	if err := repo.SaveTemplate(ctx, tpl); err != nil {
		t.Fatalf("SaveTemplate: %v", err)
	}
	tpl.Weekly[time.Monday][0].End = 900
	stored, _ := repo.GetTemplate(ctx, lawyerID)
	if stored.Weekly[time.Monday][0].End != 600 {
		t.Error("template windows alias the caller's slice")
	}
}

func TestMemoryRepository_ListActiveForLawyer(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	lawyerID := uuid.New()

	items := []*Consultation{
		newStoredConsultation(lawyerID, at(2, 15, 0), StatusConfirmed),
		newStoredConsultation(lawyerID, at(2, 9, 0), StatusPending),
		newStoredConsultation(lawyerID, at(2, 11, 0), StatusCancelled),
		newStoredConsultation(lawyerID, at(3, 9, 0), StatusConfirmed),
		newStoredConsultation(uuid.New(), at(2, 10, 0), StatusConfirmed),
	}
	for _, c := range items {
		if err := repo.WithinLawyerTx(ctx, c.LawyerID, func(tx LawyerTx) error { return tx.Insert(ctx, c) }); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got, err := repo.ListActiveForLawyer(ctx, lawyerID, at(2, 0, 0), at(3, 0, 0))
	if err != nil {
		t.Fatalf("ListActiveForLawyer: %v", err)
	}
	if len(got) != 2 || got[0].ID != items[1].ID || got[1].ID != items[0].ID {
		t.Fatalf("expected the two active same-day consultations ordered by start, got %v", got)
	}
}

func TestMemoryRepository_Exceptions(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	lawyerID := uuid.New()

	if _, err := repo.GetException(ctx, lawyerID, "2026-03-02"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := repo.SaveException(ctx, &Exception{LawyerID: lawyerID, Date: "2026-03-02", Windows: []Window{}}); err != nil {
		t.Fatalf("SaveException: %v", err)
	}
	ex, err := repo.GetException(ctx, lawyerID, "2026-03-02")
	if err != nil || len(ex.Windows) != 0 {
		t.Fatalf("GetException = %v, %v", ex, err)
	}
	if _, err := repo.GetException(ctx, uuid.New(), "2026-03-02"); !errors.Is(err, ErrNotFound) {
		t.Error("exceptions leaked across lawyers")
	}
	if _, err := repo.GetUser(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Error("expected unknown user to be not found")
	}
}
