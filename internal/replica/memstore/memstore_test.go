package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/mailiemtruc/officesync-sub000/internal/domain"
	"github.com/mailiemtruc/officesync-sub000/internal/replica"
)

func TestFailedUpdateLeavesStateUntouched(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.Update(ctx, func(tx replica.Tx) error {
		if err := tx.UpsertEmployee(ctx, domain.Employee{ID: 1, CompanyID: 1, Email: "a@x.com"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	err = s.View(ctx, func(r replica.Reader) error {
		e, err := r.GetEmployee(ctx, 1)
		if err != nil {
			return err
		}
		if e != nil {
			t.Fatalf("rolled back row is visible: %+v", e)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestNaturalKeyConflict(t *testing.T) {
	s := New()
	ctx := context.Background()
	err := s.Update(ctx, func(tx replica.Tx) error {
		if err := tx.UpsertEmployee(ctx, domain.Employee{ID: 1, CompanyID: 1, Email: "a@x.com"}); err != nil {
			return err
		}
		return tx.UpsertEmployee(ctx, domain.Employee{ID: 2, CompanyID: 1, Email: " A@X.com"})
	})
	if !errors.Is(err, domain.ErrNaturalKeyConflict) {
		t.Fatalf("expected natural key conflict, got %v", err)
	}
}

func TestCanceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Update(ctx, func(replica.Tx) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}
