package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"labmapa/internal/mapa"
)

// PostgresStore persists parameters, results and stage values, and the
// sign-off audit log.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureUserByLogin returns the operator with the given login, creating it
// with the analista role on first use.
func (s *PostgresStore) EnsureUserByLogin(ctx context.Context, login string) (User, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, login, nome, role, created_at FROM usuarios WHERE login = $1`, login).
		Scan(&user.ID, &user.Login, &user.Nome, &user.Role, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO usuarios (login, nome)
		VALUES ($1, $1)
		ON CONFLICT (login) DO UPDATE SET login = EXCLUDED.login
		RETURNING id, login, nome, role, created_at
	`, login).Scan(&user.ID, &user.Login, &user.Nome, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, login, nome, role, created_at FROM usuarios WHERE id = $1`, userID).
		Scan(&user.ID, &user.Login, &user.Nome, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetParameter(ctx context.Context, parameterID int64) (mapa.ParameterContext, error) {
	var p mapa.ParameterContext
	err := s.db.QueryRowContext(ctx, `
		SELECT id, parametro, metodo, lq, incerteza, calculado
		FROM parametros_pop
		WHERE id = $1
	`, parameterID).Scan(&p.ID, &p.Nome, &p.Metodo, &p.LQ, &p.Incerteza, &p.Calculado)
	if err != nil {
		return mapa.ParameterContext{}, err
	}
	return p, nil
}

// ParameterOfRow returns the parameter a working-set row belongs to.
// Save and sign-off requests address rows only, so the service resolves the
// parameter per row.
func (s *PostgresStore) ParameterOfRow(ctx context.Context, rowID int64) (int64, error) {
	var parameterID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id_parametro_pop FROM resultados WHERE id = $1 AND NOT arquivado
	`, rowID).Scan(&parameterID)
	if err != nil {
		return 0, err
	}
	return parameterID, nil
}

// LoadParameter reads the working set of a parameter: rows not yet archived,
// the stage definitions and every stage value of those rows. The four
// queries run concurrently. It returns sql.ErrNoRows for an unknown
// parameter; an empty row set is not an error here.
func (s *PostgresStore) LoadParameter(ctx context.Context, parameterID int64) (mapa.LoadResponse, error) {
	var resp mapa.LoadResponse
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := s.GetParameter(gctx, parameterID)
		if err != nil {
			return err
		}
		resp.Info = p
		return nil
	})
	g.Go(func() error {
		rows, err := s.listRows(gctx, parameterID)
		if err != nil {
			return err
		}
		resp.Amostras = rows
		return nil
	})
	g.Go(func() error {
		stages, err := s.listStages(gctx, parameterID)
		if err != nil {
			return err
		}
		resp.EtapasDefinicao = stages
		return nil
	})
	g.Go(func() error {
		values, err := s.listStageValues(gctx, parameterID)
		if err != nil {
			return err
		}
		resp.EtapasValores = values
		return nil
	})
	if err := g.Wait(); err != nil {
		return mapa.LoadResponse{}, err
	}
	return resp, nil
}

const rowColumns = `
	r.id, r.id_grupo_doble, r.id_analise, r.numero_amostra, r.identificacao, r.complemento,
	COALESCE(to_char(r.data_inicio, 'YYYY-MM-DD'), ''), COALESCE(to_char(r.hora_inicio, 'HH24:MI'), ''),
	COALESCE(to_char(r.data_termino, 'YYYY-MM-DD'), ''), COALESCE(to_char(r.hora_termino, 'HH24:MI'), ''),
	r.lim_min, r.lim_simbolo, r.lim_max, r.lim_completo, r.unidade, r.resultado,
	COALESCE(r.user_inicio_id, 0), COALESCE(ui.nome, ''),
	COALESCE(r.user_visto_id, 0), COALESCE(uv.nome, ''),
	r.has_report`

const rowFrom = `
	FROM resultados r
	LEFT JOIN usuarios ui ON ui.id = r.user_inicio_id
	LEFT JOIN usuarios uv ON uv.id = r.user_visto_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (mapa.SampleRow, error) {
	var row mapa.SampleRow
	err := sc.Scan(
		&row.ID, &row.IDGrupoDoble, &row.IDAnalise, &row.NumeroAmostra, &row.Identificacao, &row.Complemento,
		&row.DataInicio, &row.HoraInicio, &row.DataTermino, &row.HoraTermino,
		&row.LimMin, &row.LimSimbolo, &row.LimMax, &row.LimCompleto, &row.Unidade, &row.Resultado,
		&row.UserInicioID, &row.UserInicioNome, &row.UserVistoID, &row.UserVistoNome,
		&row.HasReport,
	)
	return row, err
}

func (s *PostgresStore) listRows(ctx context.Context, parameterID int64) ([]mapa.SampleRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+rowColumns+rowFrom+`
		WHERE r.id_parametro_pop = $1 AND NOT r.arquivado
		ORDER BY r.numero_amostra, r.identificacao, r.id
	`, parameterID)
	if err != nil {
		return nil, fmt.Errorf("list resultados: %w", err)
	}
	defer rows.Close()

	items := make([]mapa.SampleRow, 0)
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan resultado: %w", err)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resultados: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) listStages(ctx context.Context, parameterID int64) ([]mapa.StageDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, descricao, sequencia
		FROM etapas
		WHERE id_parametro_pop = $1
		ORDER BY sequencia, id
	`, parameterID)
	if err != nil {
		return nil, fmt.Errorf("list etapas: %w", err)
	}
	defer rows.Close()

	items := make([]mapa.StageDefinition, 0)
	for rows.Next() {
		var item mapa.StageDefinition
		if err := rows.Scan(&item.ID, &item.Descricao, &item.Sequencia); err != nil {
			return nil, fmt.Errorf("scan etapa: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate etapas: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) listStageValues(ctx context.Context, parameterID int64) ([]mapa.StageValue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ev.id, ev.id_analise, ev.id_etapa, ev.valor
		FROM etapas_valores ev
		JOIN resultados r ON r.id_analise = ev.id_analise
		WHERE r.id_parametro_pop = $1 AND NOT r.arquivado
		ORDER BY ev.id
	`, parameterID)
	if err != nil {
		return nil, fmt.Errorf("list etapas_valores: %w", err)
	}
	defer rows.Close()
	return scanStageValues(rows)
}

func scanStageValues(rows *sql.Rows) ([]mapa.StageValue, error) {
	items := make([]mapa.StageValue, 0)
	for rows.Next() {
		var item mapa.StageValue
		if err := rows.Scan(&item.ID, &item.IDAnalise, &item.IDEtapa, &item.Valor); err != nil {
			return nil, fmt.Errorf("scan etapa_valor: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate etapas_valores: %w", err)
	}
	return items, nil
}

func rowRejected(kind mapa.Kind, reason mapa.Reason, rowID int64, message string) *mapa.Error {
	return &mapa.Error{Kind: kind, Reason: reason, RowID: rowID, Message: message}
}

// lockRow selects a working-set row of the parameter FOR UPDATE.
func lockRow(ctx context.Context, tx *sql.Tx, parameterID, rowID int64) (mapa.SampleRow, error) {
	row, err := scanRow(tx.QueryRowContext(ctx, `SELECT `+rowColumns+rowFrom+`
		WHERE r.id = $1 AND r.id_parametro_pop = $2 AND NOT r.arquivado
		FOR UPDATE OF r
	`, rowID, parameterID))
	if errors.Is(err, sql.ErrNoRows) {
		return mapa.SampleRow{}, rowRejected(mapa.KindNotFound, mapa.ReasonNone, rowID, "row is not pending for this parameter")
	}
	if err != nil {
		return mapa.SampleRow{}, fmt.Errorf("lock resultado %d: %w", rowID, err)
	}
	return row, nil
}

func readRow(ctx context.Context, tx *sql.Tx, rowID int64) (mapa.SampleRow, []mapa.StageValue, error) {
	row, err := scanRow(tx.QueryRowContext(ctx, `SELECT `+rowColumns+rowFrom+` WHERE r.id = $1`, rowID))
	if err != nil {
		return mapa.SampleRow{}, nil, fmt.Errorf("read resultado %d: %w", rowID, err)
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT id, id_analise, id_etapa, valor
		FROM etapas_valores
		WHERE id_analise = $1
		ORDER BY id
	`, row.IDAnalise)
	if err != nil {
		return mapa.SampleRow{}, nil, fmt.Errorf("read etapas_valores %d: %w", rowID, err)
	}
	defer rows.Close()
	values, err := scanStageValues(rows)
	if err != nil {
		return mapa.SampleRow{}, nil, err
	}
	return row, values, nil
}

// SaveRow persists one save entry in its own transaction and returns the
// stored row and its stage values. Row-level rejections are *mapa.Error;
// anything else is an infrastructure failure.
func (s *PostgresStore) SaveRow(ctx context.Context, parameterID, userID int64, calculado bool, entry mapa.SaveEntry) (mapa.SampleRow, []mapa.StageValue, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapa.SampleRow{}, nil, fmt.Errorf("begin save tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := lockRow(ctx, tx, parameterID, entry.IDResultado)
	if err != nil {
		return mapa.SampleRow{}, nil, err
	}
	if current.HasReport {
		return mapa.SampleRow{}, nil, rowRejected(mapa.KindFrozen, mapa.ReasonReportExists, current.ID, "row frozen by existing report")
	}
	if current.Signed() {
		return mapa.SampleRow{}, nil, rowRejected(mapa.KindFrozen, mapa.ReasonSigned, current.ID, "row already signed off by "+current.UserVistoNome)
	}
	if calculado && entry.Resultado != current.Resultado {
		return mapa.SampleRow{}, nil, rowRejected(mapa.KindInvalidState, mapa.ReasonCalculatedResult, current.ID, "result is computed from stage values")
	}

	for _, etapa := range entry.Etapas {
		res, err := tx.ExecContext(ctx, `
			UPDATE etapas_valores SET valor = $1
			WHERE id = $2 AND id_analise = $3
		`, etapa.Valor, etapa.ID, current.IDAnalise)
		if err != nil {
			return mapa.SampleRow{}, nil, fmt.Errorf("update etapa_valor %d: %w", etapa.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return mapa.SampleRow{}, nil, rowRejected(mapa.KindValidationFailed, mapa.ReasonNoStageSlot, current.ID,
				"stage value "+strconv.FormatInt(etapa.ID, 10)+" does not belong to this row")
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE resultados SET
			data_inicio = NULLIF($1, '')::date,
			hora_inicio = NULLIF($2, '')::time,
			resultado = $3,
			data_termino = NULLIF($4, '')::date,
			hora_termino = NULLIF($5, '')::time,
			user_inicio_id = COALESCE(user_inicio_id, $6),
			updated_at = NOW()
		WHERE id = $7
	`, entry.DataInicio, entry.HoraInicio, entry.Resultado, entry.DataTermino, entry.HoraTermino, userID, current.ID)
	if err != nil {
		return mapa.SampleRow{}, nil, fmt.Errorf("update resultado %d: %w", current.ID, err)
	}

	row, values, err := readRow(ctx, tx, current.ID)
	if err != nil {
		return mapa.SampleRow{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return mapa.SampleRow{}, nil, fmt.Errorf("commit save tx: %w", err)
	}
	return row, values, nil
}

// SignRow signs off one row and appends the audit entry in the same
// transaction. allowSelf decides self sign-off for the locked row.
func (s *PostgresStore) SignRow(ctx context.Context, parameterID, rowID int64, signer User, allowSelf func(mapa.SampleRow) bool) (mapa.SampleRow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapa.SampleRow{}, fmt.Errorf("begin vistar tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := lockRow(ctx, tx, parameterID, rowID)
	if err != nil {
		return mapa.SampleRow{}, err
	}
	switch {
	case current.Signed():
		return mapa.SampleRow{}, rowRejected(mapa.KindFrozen, mapa.ReasonAlreadySigned, rowID, "row already signed off by "+current.UserVistoNome)
	case current.HasReport:
		return mapa.SampleRow{}, rowRejected(mapa.KindFrozen, mapa.ReasonReportExists, rowID, "row frozen by existing report")
	case strings.TrimSpace(current.Resultado) == "":
		return mapa.SampleRow{}, rowRejected(mapa.KindValidationFailed, mapa.ReasonMissingResult, rowID, "row has no result value")
	case current.UserInicioID == signer.ID && (allowSelf == nil || !allowSelf(current)):
		return mapa.SampleRow{}, rowRejected(mapa.KindValidationFailed, mapa.ReasonSelfSignoffDenied, rowID, "the analyst who started the row cannot sign it off")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE resultados SET user_visto_id = $1, visto_em = NOW(), updated_at = NOW()
		WHERE id = $2 AND user_visto_id IS NULL
	`, signer.ID, rowID); err != nil {
		return mapa.SampleRow{}, fmt.Errorf("sign resultado %d: %w", rowID, err)
	}

	row, values, err := readRow(ctx, tx, rowID)
	if err != nil {
		return mapa.SampleRow{}, err
	}
	etapas := make(map[string]string, len(values))
	for _, v := range values {
		etapas[strconv.FormatInt(v.IDEtapa, 10)] = v.Valor
	}
	etapasJSON, err := json.Marshal(etapas)
	if err != nil {
		return mapa.SampleRow{}, fmt.Errorf("marshal etapas: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO vistos_log (id, id_resultado, id_parametro_pop, user_visto_id, user_visto_nome, resultado, etapas)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
	`, uuid.NewString(), rowID, parameterID, signer.ID, signer.Nome, row.Resultado, string(etapasJSON)); err != nil {
		return mapa.SampleRow{}, fmt.Errorf("insert vistos_log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return mapa.SampleRow{}, fmt.Errorf("commit vistar tx: %w", err)
	}
	return row, nil
}

func (s *PostgresStore) ListVistos(ctx context.Context, parameterID int64) ([]Visto, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, id_resultado, id_parametro_pop, user_visto_id, user_visto_nome, resultado, etapas, created_at
		FROM vistos_log
		WHERE id_parametro_pop = $1
		ORDER BY created_at, id_resultado
	`, parameterID)
	if err != nil {
		return nil, fmt.Errorf("list vistos_log: %w", err)
	}
	defer rows.Close()

	items := make([]Visto, 0)
	for rows.Next() {
		var item Visto
		var etapas []byte
		if err := rows.Scan(&item.ID, &item.RowID, &item.ParameterID, &item.UserVistoID, &item.UserVistoNome, &item.Resultado, &etapas, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vistos_log: %w", err)
		}
		if err := json.Unmarshal(etapas, &item.Etapas); err != nil {
			return nil, fmt.Errorf("decode vistos_log etapas: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vistos_log: %w", err)
	}
	return items, nil
}
