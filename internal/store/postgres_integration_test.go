package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"labmapa/internal/mapa"
)

type seeded struct {
	parameterID int64
	analyst     User
	supervisor  User
	rowID       int64
	analiseID   int64
	stageID     int64
	valueID     int64
}

func openTestStore(t *testing.T) (*PostgresStore, seeded) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	db, err := Open(ctx, dsn, PoolConfig{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if _, err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations"), nil); err != nil {
		t.Fatalf("ApplyMigrations() error = %v", err)
	}

	st := NewPostgresStore(db)
	var seed seeded
	if seed.analyst, err = st.EnsureUserByLogin(ctx, "Ana"); err != nil {
		t.Fatalf("EnsureUserByLogin() error = %v", err)
	}
	if seed.supervisor, err = st.EnsureUserByLogin(ctx, "sofia"); err != nil {
		t.Fatalf("EnsureUserByLogin() error = %v", err)
	}
	mustExec(t, db, `UPDATE usuarios SET role = 'supervisor', nome = 'Sofia' WHERE id = $1`, seed.supervisor.ID)
	seed.supervisor.Nome = "Sofia"

	mustScan(t, db, &seed.parameterID, `INSERT INTO parametros_pop (parametro, metodo) VALUES ('DBO', 'SMWW 5210 B') RETURNING id`)
	mustScan(t, db, &seed.stageID, `INSERT INTO etapas (id_parametro_pop, descricao, sequencia) VALUES ($1, 'Incubação', 1) RETURNING id`, seed.parameterID)
	seed.analiseID = 501
	mustScan(t, db, &seed.rowID, `
		INSERT INTO resultados (id_parametro_pop, id_grupo_doble, id_analise, numero_amostra, identificacao)
		VALUES ($1, 300, $2, 1, 'Poço 1') RETURNING id`, seed.parameterID, seed.analiseID)
	mustScan(t, db, &seed.valueID, `INSERT INTO etapas_valores (id_analise, id_etapa, valor) VALUES ($1, $2, '') RETURNING id`, seed.analiseID, seed.stageID)
	return st, seed
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func mustScan(t *testing.T, db *sql.DB, dest any, query string, args ...any) {
	t.Helper()
	if err := db.QueryRow(query, args...).Scan(dest); err != nil {
		t.Fatalf("scan %q: %v", query, err)
	}
}

func TestLoadParameterReadsWorkingSet(t *testing.T) {
	st, seed := openTestStore(t)
	ctx := context.Background()

	resp, err := st.LoadParameter(ctx, seed.parameterID)
	if err != nil {
		t.Fatalf("LoadParameter() error = %v", err)
	}
	if resp.Info.Nome != "DBO" || len(resp.Amostras) != 1 || len(resp.EtapasDefinicao) != 1 || len(resp.EtapasValores) != 1 {
		t.Fatalf("unexpected load response %+v", resp)
	}
	if got, err := st.ParameterOfRow(ctx, seed.rowID); err != nil || got != seed.parameterID {
		t.Fatalf("ParameterOfRow() = %d, %v", got, err)
	}
	if _, err := st.LoadParameter(ctx, 999999); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for unknown parameter, got %v", err)
	}
}

func TestSaveRowThenSignRow(t *testing.T) {
	st, seed := openTestStore(t)
	ctx := context.Background()

	row, values, err := st.SaveRow(ctx, seed.parameterID, seed.analyst.ID, false, mapa.SaveEntry{
		IDResultado: seed.rowID,
		DataInicio:  "2026-10-19",
		HoraInicio:  "08:30",
		Resultado:   "4.2",
		Etapas:      []mapa.StageEdit{{ID: seed.valueID, Valor: "20.1"}},
	})
	if err != nil {
		t.Fatalf("SaveRow() error = %v", err)
	}
	if row.Resultado != "4.2" || row.DataInicio != "2026-10-19" || row.HoraInicio != "08:30" || row.UserInicioID != seed.analyst.ID {
		t.Fatalf("unexpected saved row %+v", row)
	}
	if row.IDGrupoDoble != 300 || row.IDAnalise != seed.analiseID {
		t.Fatalf("analysis keys changed: %+v", row)
	}
	if len(values) != 1 || values[0].Valor != "20.1" {
		t.Fatalf("unexpected values %+v", values)
	}

	_, err = st.SignRow(ctx, seed.parameterID, seed.rowID, seed.analyst, nil)
	if e, ok := mapa.AsError(err); !ok || e.Reason != mapa.ReasonSelfSignoffDenied {
		t.Fatalf("expected SelfSignoffDenied, got %v", err)
	}

	signed, err := st.SignRow(ctx, seed.parameterID, seed.rowID, seed.supervisor, nil)
	if err != nil {
		t.Fatalf("SignRow() error = %v", err)
	}
	if signed.UserVistoID != seed.supervisor.ID || signed.UserVistoNome != "Sofia" {
		t.Fatalf("unexpected signed row %+v", signed)
	}

	_, _, err = st.SaveRow(ctx, seed.parameterID, seed.analyst.ID, false, mapa.SaveEntry{IDResultado: seed.rowID, Resultado: "9"})
	if !errors.Is(err, mapa.ErrFrozen) {
		t.Fatalf("expected frozen after sign-off, got %v", err)
	}
	_, err = st.SignRow(ctx, seed.parameterID, seed.rowID, seed.supervisor, nil)
	if !errors.Is(err, &mapa.Error{Kind: mapa.KindFrozen, Reason: mapa.ReasonAlreadySigned}) {
		t.Fatalf("expected AlreadySigned, got %v", err)
	}

	vistos, err := st.ListVistos(ctx, seed.parameterID)
	if err != nil {
		t.Fatalf("ListVistos() error = %v", err)
	}
	if len(vistos) != 1 || vistos[0].Etapas[strconv.FormatInt(seed.stageID, 10)] != "20.1" {
		t.Fatalf("unexpected vistos %+v", vistos)
	}
}

func TestSaveRowRejectsForeignStageValue(t *testing.T) {
	st, seed := openTestStore(t)
	_, _, err := st.SaveRow(context.Background(), seed.parameterID, seed.analyst.ID, false, mapa.SaveEntry{
		IDResultado: seed.rowID,
		Etapas:      []mapa.StageEdit{{ID: seed.valueID + 1000, Valor: "1"}},
	})
	if e, ok := mapa.AsError(err); !ok || e.Reason != mapa.ReasonNoStageSlot {
		t.Fatalf("expected NoStageSlot, got %v", err)
	}
}

func TestVistosLogIsImmutable(t *testing.T) {
	st, seed := openTestStore(t)
	ctx := context.Background()
	mustExec(t, st.DB(), `UPDATE resultados SET resultado = '1' WHERE id = $1`, seed.rowID)
	if _, err := st.SignRow(ctx, seed.parameterID, seed.rowID, seed.supervisor, nil); err != nil {
		t.Fatalf("SignRow() error = %v", err)
	}

	for _, stmt := range []string{
		`UPDATE vistos_log SET resultado = 'x'`,
		`DELETE FROM vistos_log`,
	} {
		_, err := st.DB().ExecContext(ctx, stmt)
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) {
			t.Fatalf("%s: expected PostgreSQL error, got %v", stmt, err)
		}
		if pgErr.SQLState() != "55000" {
			t.Fatalf("%s: expected SQLSTATE 55000, got %s", stmt, pgErr.SQLState())
		}
	}
}
