package mapa

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	paramID   int64 = 10
	analystID int64 = 7
	superID   int64 = 8

	r1 int64 = 1
	r2 int64 = 2

	s1 int64 = 101
	s2 int64 = 102
	s3 int64 = 103
)

type fakeBackend struct {
	mu       sync.Mutex
	loadFn   func(context.Context, LoadRequest) (LoadResponse, error)
	saveFn   func(context.Context, SaveRequest) ([]RowResult, error)
	vistarFn func(context.Context, VistarRequest) ([]RowResult, error)

	loads   int
	saves   []SaveRequest
	vistars []VistarRequest
}

func (f *fakeBackend) Load(ctx context.Context, req LoadRequest) (LoadResponse, error) {
	f.mu.Lock()
	f.loads++
	fn := f.loadFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return twoRowResponse(), nil
}

func (f *fakeBackend) Save(ctx context.Context, req SaveRequest) ([]RowResult, error) {
	f.mu.Lock()
	f.saves = append(f.saves, req)
	fn := f.saveFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	out := make([]RowResult, 0, len(req.Amostras))
	for _, e := range req.Amostras {
		out = append(out, RowResult{IDResultado: e.IDResultado, Success: true})
	}
	return out, nil
}

func (f *fakeBackend) Vistar(ctx context.Context, req VistarRequest) ([]RowResult, error) {
	f.mu.Lock()
	f.vistars = append(f.vistars, req)
	fn := f.vistarFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	out := make([]RowResult, 0, len(req.Amostras))
	for _, e := range req.Amostras {
		out = append(out, RowResult{IDResultado: e.IDResultado, Success: true})
	}
	return out, nil
}

func (f *fakeBackend) saveCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func (f *fakeBackend) vistarCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.vistars)
}

// twoRowResponse is R1 and R2 against stages S1..S3. R2 sorts first by
// sample number. Only S1 and S2 have value slots.
func twoRowResponse() LoadResponse {
	return LoadResponse{
		Info: ParameterContext{ID: paramID, Nome: "DBO", Metodo: "SMWW 5210 B", LQ: "2", Incerteza: "0.5"},
		Amostras: []SampleRow{
			{ID: r1, IDGrupoDoble: 300, IDAnalise: 501, NumeroAmostra: 20, Identificacao: "Poço 1", Resultado: "", UserInicioID: analystID, UserInicioNome: "Ana"},
			{ID: r2, IDGrupoDoble: 300, IDAnalise: 502, NumeroAmostra: 11, Identificacao: "Poço 2", Resultado: "4.1", UserInicioID: analystID, UserInicioNome: "Ana"},
		},
		EtapasDefinicao: []StageDefinition{
			{ID: s3, Descricao: "Leitura final", Sequencia: 3},
			{ID: s1, Descricao: "Incubação", Sequencia: 1},
			{ID: s2, Descricao: "Leitura inicial", Sequencia: 2},
		},
		EtapasValores: []StageValue{
			{ID: 9001, IDAnalise: 501, IDEtapa: s1, Valor: "20.0"},
			{ID: 9002, IDAnalise: 501, IDEtapa: s2, Valor: ""},
			{ID: 9003, IDAnalise: 502, IDEtapa: s1, Valor: "20.0"},
			{ID: 9004, IDAnalise: 502, IDEtapa: s2, Valor: "8.7"},
		},
	}
}

func openSession(t *testing.T, backend *fakeBackend, userID int64, opts Options) *Session {
	t.Helper()
	s, err := Open(context.Background(), backend, paramID, userID, opts)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func wantKind(t *testing.T, err error, kind Kind, reason Reason) {
	t.Helper()
	e, ok := AsError(err)
	if !ok {
		t.Fatalf("expected *Error of kind %s, got %v", kind, err)
	}
	if e.Kind != kind {
		t.Fatalf("expected kind %s, got %s (%v)", kind, e.Kind, err)
	}
	if reason != ReasonNone && e.Reason != reason {
		t.Fatalf("expected reason %s, got %s (%v)", reason, e.Reason, err)
	}
}
