package mapa

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
)

// fingerprint digests everything another actor could change on a row:
// result fields, sign-off, report flag and stage values.
func fingerprint(row SampleRow, values map[int64]string) string {
	keyed := make(map[string]string, len(values))
	for stageID, v := range values {
		keyed[strconv.FormatInt(stageID, 10)] = v
	}
	payload, _ := json.Marshal(struct {
		Row    SampleRow         `json:"row"`
		Values map[string]string `json:"values"`
	}{Row: row, Values: keyed})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// guard tracks rows whose buffered edits were computed against a snapshot
// that no longer matches the server. Conflicted rows stay out of save
// batches until the operator rebases or force-overwrites them.
type guard struct {
	conflicts map[int64]*Error
}

func newGuard() *guard {
	return &guard{conflicts: make(map[int64]*Error)}
}

// evaluate compares each dirty row's base against the latest matrix and
// returns the rows that became conflicted.
func (g *guard) evaluate(buf *Buffer, m *Matrix, skip func(rowID int64) bool) []int64 {
	var marked []int64
	for _, rowID := range buf.DirtyRows() {
		if skip != nil && skip(rowID) {
			continue
		}
		if _, already := g.conflicts[rowID]; already {
			continue
		}
		e := buf.entries[rowID]
		latest, ok := m.Row(rowID)
		if !ok {
			g.conflicts[rowID] = newError(KindPersistenceConflict, ReasonRowRemoved, rowID, "row is no longer pending for this parameter")
			marked = append(marked, rowID)
			continue
		}
		if fingerprint(latest, m.RowValues(rowID)) == e.base.fingerprint {
			continue
		}
		msg := "row was modified by another actor since the edit began"
		switch {
		case latest.Signed() && !e.base.row.Signed():
			msg = "row was signed off by " + latest.UserVistoNome + " since the edit began"
		case latest.HasReport && !e.base.row.HasReport:
			msg = "a report was issued for the row since the edit began"
		}
		g.conflicts[rowID] = newError(KindPersistenceConflict, ReasonStaleSnapshot, rowID, "%s", msg)
		marked = append(marked, rowID)
	}
	return marked
}

func (g *guard) conflict(rowID int64) (*Error, bool) {
	err, ok := g.conflicts[rowID]
	return err, ok
}

func (g *guard) mark(rowID int64, err *Error) {
	g.conflicts[rowID] = err
}

func (g *guard) clear(rowID int64) {
	delete(g.conflicts, rowID)
}
