package mapa

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSetCellMarksRowDirty(t *testing.T) {
	s := openSession(t, &fakeBackend{}, analystID, Options{})

	if err := s.SetCell(r1, s2, "12.4"); err != nil {
		t.Fatalf("SetCell() error = %v", err)
	}
	if !s.IsDirty(r1) {
		t.Fatal("expected R1 dirty")
	}
	if s.IsDirty(r2) {
		t.Fatal("expected R2 clean")
	}
	view, err := s.Snapshot(r1)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if view.Values[s2] != "12.4" {
		t.Fatalf("expected merged value 12.4, got %q", view.Values[s2])
	}
	if view.State != StatePending {
		t.Fatalf("expected pending state without result, got %s", view.State)
	}
}

func TestWritingBaseValueBackCleansRow(t *testing.T) {
	s := openSession(t, &fakeBackend{}, analystID, Options{})

	if err := s.SetCell(r2, s2, "9.0"); err != nil {
		t.Fatalf("SetCell() error = %v", err)
	}
	if err := s.SetCell(r2, s2, "8.7"); err != nil {
		t.Fatalf("SetCell() error = %v", err)
	}
	if s.IsDirty(r2) {
		t.Fatal("expected R2 clean after restoring the fetched value")
	}
}

func TestSetCellRejectsFrozenRows(t *testing.T) {
	backend := &fakeBackend{loadFn: func(context.Context, LoadRequest) (LoadResponse, error) {
		resp := twoRowResponse()
		resp.Amostras[0].HasReport = true
		resp.Amostras[1].UserVistoID = superID
		resp.Amostras[1].UserVistoNome = "Sofia"
		return resp, nil
	}}
	s := openSession(t, backend, analystID, Options{})

	err := s.SetCell(r1, s1, "1")
	wantKind(t, err, KindInvalidState, ReasonReportExists)
	err = s.SetResultField(r2, FieldResultado, "1")
	wantKind(t, err, KindInvalidState, ReasonSigned)
	if s.HasUnsavedChanges() {
		t.Fatal("expected no buffered edits")
	}
	view, _ := s.Snapshot(r1)
	if !view.Frozen {
		t.Fatal("expected R1 frozen")
	}
}

func TestSetCellValidation(t *testing.T) {
	s := openSession(t, &fakeBackend{}, analystID, Options{})

	wantKind(t, s.SetCell(99, s1, "1"), KindNotFound, ReasonNone)
	wantKind(t, s.SetCell(r1, 999, "1"), KindNotFound, ReasonNone)
	wantKind(t, s.SetCell(r1, s3, "1"), KindValidationFailed, ReasonNoStageSlot)
	wantKind(t, s.SetResultField(r1, FieldDataInicio, "19/10/2026"), KindValidationFailed, ReasonBadFormat)
	wantKind(t, s.SetResultField(r1, FieldHoraTermino, "25:00"), KindValidationFailed, ReasonBadFormat)
	wantKind(t, s.SetResultField(r1, Field("lim_max"), "1"), KindValidationFailed, ReasonNone)

	if err := s.SetResultField(r1, FieldDataInicio, "2026-10-19"); err != nil {
		t.Fatalf("SetResultField() error = %v", err)
	}
	if err := s.SetResultField(r1, FieldHoraInicio, " 08:30 "); err != nil {
		t.Fatalf("SetResultField() error = %v", err)
	}
	entry, ok := s.Pending(r1)
	if !ok {
		t.Fatal("expected pending entry")
	}
	want := map[Field]string{FieldDataInicio: "2026-10-19", FieldHoraInicio: "08:30"}
	if diff := cmp.Diff(want, entry.Fields); diff != "" {
		t.Fatalf("fields mismatch (-want +got):\n%s", diff)
	}
}

func TestCalculatedParameterRejectsDirectResult(t *testing.T) {
	backend := &fakeBackend{loadFn: func(context.Context, LoadRequest) (LoadResponse, error) {
		resp := twoRowResponse()
		resp.Info.Calculado = true
		return resp, nil
	}}
	s := openSession(t, backend, analystID, Options{})

	wantKind(t, s.SetResultField(r1, FieldResultado, "3.3"), KindInvalidState, ReasonCalculatedResult)
	if err := s.SetCell(r1, s2, "3.3"); err != nil {
		t.Fatalf("SetCell() error = %v", err)
	}
}

func TestEditingSavedRowMovesBackToEntered(t *testing.T) {
	s := openSession(t, &fakeBackend{}, analystID, Options{})

	state, _ := s.State(r2)
	if state != StateSaved {
		t.Fatalf("expected saved, got %s", state)
	}
	if err := s.SetResultField(r2, FieldResultado, "4.2"); err != nil {
		t.Fatalf("SetResultField() error = %v", err)
	}
	state, _ = s.State(r2)
	if state != StateEntered {
		t.Fatalf("expected entered, got %s", state)
	}
}

func TestCloseDiscardsBufferWithoutBackend(t *testing.T) {
	backend := &fakeBackend{}
	s := openSession(t, backend, analystID, Options{})
	if err := s.SetCell(r1, s1, "19.5"); err != nil {
		t.Fatalf("SetCell() error = %v", err)
	}
	if !s.HasUnsavedChanges() {
		t.Fatal("expected unsaved changes")
	}

	if dropped := s.Close(); dropped != 1 {
		t.Fatalf("expected 1 discarded row, got %d", dropped)
	}
	if backend.saveCalls() != 0 {
		t.Fatal("expected no save call on close")
	}
	if err := s.SetCell(r1, s1, "1"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if _, err := s.Save(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestDiscardDropsEdits(t *testing.T) {
	s := openSession(t, &fakeBackend{}, analystID, Options{})
	if err := s.SetCell(r1, s1, "19.5"); err != nil {
		t.Fatalf("SetCell() error = %v", err)
	}
	if err := s.Discard(r1); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if s.IsDirty(r1) {
		t.Fatal("expected R1 clean")
	}
}
