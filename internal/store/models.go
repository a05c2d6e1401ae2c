package store

import "time"

type User struct {
	ID        int64
	Login     string
	Nome      string
	Role      string
	CreatedAt time.Time
}

// Visto is one immutable sign-off audit entry.
type Visto struct {
	ID            string
	RowID         int64
	ParameterID   int64
	UserVistoID   int64
	UserVistoNome string
	Resultado     string
	Etapas        map[string]string
	CreatedAt     time.Time
}
