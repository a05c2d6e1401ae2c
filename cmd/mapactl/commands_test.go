package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"labmapa/internal/mapa"
	"labmapa/internal/rpc"
)

// fakeMapaBackend serves the login, load and save calls of one parameter
// and records every save request.
type fakeMapaBackend struct {
	mu    sync.Mutex
	saves []mapa.SaveRequest
}

func (b *fakeMapaBackend) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session/login", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, rpc.LoginResponse{Token: "tok", UserID: 7, UserName: "Ana", Role: "analyst"})
	})
	mux.HandleFunc("/api/mapa/load", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("load Authorization = %q", got)
		}
		writeEnvelope(t, w, matrixResponse())
	})
	mux.HandleFunc("/api/mapa/save", func(w http.ResponseWriter, r *http.Request) {
		var req mapa.SaveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode save: %v", err)
		}
		b.mu.Lock()
		b.saves = append(b.saves, req)
		b.mu.Unlock()
		out := mapa.BatchResponse{}
		for _, e := range req.Amostras {
			out.Amostras = append(out.Amostras, mapa.RowResult{IDResultado: e.IDResultado, Success: true})
		}
		writeEnvelope(t, w, out)
	})
	return mux
}

func writeEnvelope(t *testing.T, w http.ResponseWriter, data any) {
	t.Helper()
	env, err := rpc.OK(data)
	if err != nil {
		t.Fatalf("rpc.OK() error = %v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(env); err != nil {
		t.Errorf("encode envelope: %v", err)
	}
}

func matrixResponse() mapa.LoadResponse {
	return mapa.LoadResponse{
		Info: mapa.ParameterContext{ID: 10, Nome: "DBO", Metodo: "SMWW 5210 B"},
		Amostras: []mapa.SampleRow{
			{ID: 1, IDGrupoDoble: 300, IDAnalise: 501, NumeroAmostra: 20, Identificacao: "Poço 1", UserInicioID: 7, UserInicioNome: "Ana"},
			{ID: 2, IDGrupoDoble: 300, IDAnalise: 502, NumeroAmostra: 11, Identificacao: "Poço 2", Resultado: "4.1", UserInicioID: 7, UserInicioNome: "Ana"},
		},
		EtapasDefinicao: []mapa.StageDefinition{
			{ID: 101, Descricao: "Incubação", Sequencia: 1},
			{ID: 102, Descricao: "Leitura inicial", Sequencia: 2},
		},
		EtapasValores: []mapa.StageValue{
			{ID: 9001, IDAnalise: 501, IDEtapa: 101, Valor: "20.0"},
			{ID: 9002, IDAnalise: 501, IDEtapa: 102, Valor: ""},
			{ID: 9003, IDAnalise: 502, IDEtapa: 101, Valor: "20.0"},
			{ID: 9004, IDAnalise: 502, IDEtapa: 102, Valor: "8.7"},
		},
	}
}

// runCLI executes the root command against srv and returns its stdout.
func runCLI(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	prevURL, prevLogin, prevPolicy := backendURL, login, cfg.PolicyFile
	t.Cleanup(func() {
		backendURL, login, cfg.PolicyFile = prevURL, prevLogin, prevPolicy
		cellEdits, fieldEdits, andVistar, refresh = nil, nil, false, false
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})
	cfg.PolicyFile = ""

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(append(args, "--backend", srv.URL, "--login", "ana"))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestShowRendersMatrix(t *testing.T) {
	backend := &fakeMapaBackend{}
	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()

	out, err := runCLI(t, srv, "show", "10")
	if err != nil {
		t.Fatalf("show error = %v", err)
	}
	for _, want := range []string{"DBO (SMWW 5210 B) #10", "Incubação", "Leitura inicial", "Poço 1", "Poço 2", "8.7", "Situação"} {
		if !strings.Contains(out, want) {
			t.Errorf("show output missing %q:\n%s", want, out)
		}
	}
	// Rows are listed by sample number, so Poço 2 (11) precedes Poço 1 (20).
	if strings.Index(out, "Poço 2") > strings.Index(out, "Poço 1") {
		t.Errorf("expected rows ordered by sample number:\n%s", out)
	}
	if len(backend.saves) != 0 {
		t.Fatalf("show must not save, got %d saves", len(backend.saves))
	}
}

func TestEnterSavesEdits(t *testing.T) {
	backend := &fakeMapaBackend{}
	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()

	out, err := runCLI(t, srv, "enter", "10", "--cell", "1:101=18", "--field", "2:resultado=4.4")
	if err != nil {
		t.Fatalf("enter error = %v", err)
	}
	for _, want := range []string{"row 1 saved", "row 2 saved"} {
		if !strings.Contains(out, want) {
			t.Errorf("enter output missing %q:\n%s", want, out)
		}
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.saves) != 1 {
		t.Fatalf("expected one save call, got %d", len(backend.saves))
	}
	req := backend.saves[0]
	if req.IDUsuario != 7 || len(req.Amostras) != 2 {
		t.Fatalf("unexpected save request %+v", req)
	}
	byRow := make(map[int64]mapa.SaveEntry)
	for _, e := range req.Amostras {
		byRow[e.IDResultado] = e
	}
	if got := byRow[1].Etapas; len(got) != 1 || got[0].Valor != "18" {
		t.Fatalf("expected row 1 stage value 18, got %+v", got)
	}
	if byRow[2].Resultado != "4.4" {
		t.Fatalf("expected row 2 resultado 4.4, got %q", byRow[2].Resultado)
	}
}

func TestEnterRequiresEdits(t *testing.T) {
	srv := httptest.NewServer((&fakeMapaBackend{}).handler(t))
	defer srv.Close()

	if _, err := runCLI(t, srv, "enter", "10"); err == nil || !strings.Contains(err.Error(), "nothing to enter") {
		t.Fatalf("expected nothing-to-enter error, got %v", err)
	}
}
