package mapa

import "sort"

// baseSnapshot is the server state an edit was computed against.
type baseSnapshot struct {
	row         SampleRow
	values      map[int64]string
	fingerprint string
}

func newBaseSnapshot(row SampleRow, values map[int64]string) baseSnapshot {
	return baseSnapshot{row: row, values: values, fingerprint: fingerprint(row, values)}
}

// Entry holds the pending edits of one dirty row: only the result fields
// and stages the operator touched.
type Entry struct {
	RowID  int64
	Fields map[Field]string
	Cells  map[int64]string
	base   baseSnapshot
}

func (e *Entry) empty() bool {
	return len(e.Fields) == 0 && len(e.Cells) == 0
}

func (e *Entry) clone() Entry {
	out := Entry{RowID: e.RowID, base: e.base}
	out.Fields = make(map[Field]string, len(e.Fields))
	for k, v := range e.Fields {
		out.Fields[k] = v
	}
	out.Cells = make(map[int64]string, len(e.Cells))
	for k, v := range e.Cells {
		out.Cells[k] = v
	}
	return out
}

// Buffer stages local edits independently of the last fetched snapshot.
// Presence of a row in the map is its dirty flag.
type Buffer struct {
	entries map[int64]*Entry
}

func newBuffer() *Buffer {
	return &Buffer{entries: make(map[int64]*Entry)}
}

// IsDirty reports whether a row has pending edits.
func (b *Buffer) IsDirty(rowID int64) bool {
	_, ok := b.entries[rowID]
	return ok
}

// DirtyRows returns the ids of every dirty row in ascending order.
func (b *Buffer) DirtyRows() []int64 {
	out := make([]int64, 0, len(b.entries))
	for id := range b.entries {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Entry returns a copy of a row's pending edits.
func (b *Buffer) Entry(rowID int64) (Entry, bool) {
	e, ok := b.entries[rowID]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Len returns the number of dirty rows.
func (b *Buffer) Len() int {
	return len(b.entries)
}

func (b *Buffer) entry(rowID int64, base baseSnapshot) *Entry {
	e, ok := b.entries[rowID]
	if !ok {
		e = &Entry{RowID: rowID, Fields: map[Field]string{}, Cells: map[int64]string{}, base: base}
		b.entries[rowID] = e
	}
	return e
}

// setCell stages a stage value. Writing the base value back removes the
// edit, and a row left with no edits is clean again.
func (b *Buffer) setCell(rowID, stageID int64, value string, base baseSnapshot) {
	e := b.entry(rowID, base)
	if orig, ok := e.base.values[stageID]; ok && orig == value {
		delete(e.Cells, stageID)
	} else {
		e.Cells[stageID] = value
	}
	b.prune(rowID)
}

func (b *Buffer) setField(rowID int64, field Field, value string, base baseSnapshot) {
	e := b.entry(rowID, base)
	if e.base.row.field(field) == value {
		delete(e.Fields, field)
	} else {
		e.Fields[field] = value
	}
	b.prune(rowID)
}

func (b *Buffer) prune(rowID int64) {
	if e, ok := b.entries[rowID]; ok && e.empty() {
		delete(b.entries, rowID)
	}
}

func (b *Buffer) discard(rowID int64) {
	delete(b.entries, rowID)
}

func (b *Buffer) rebase(rowID int64, base baseSnapshot) {
	if e, ok := b.entries[rowID]; ok {
		e.base = base
	}
}

func (b *Buffer) clear() {
	b.entries = make(map[int64]*Entry)
}
