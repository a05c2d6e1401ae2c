package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"labmapa/internal/mapa"
)

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
	kinds []mapa.Kind
}

func (o *recordingObserver) ObserveCall(op string, kind mapa.Kind, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, op)
	o.kinds = append(o.kinds, kind)
}

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   mapa.Kind
	}{
		{name: "ok", status: 200, body: `{"success":true,"data":{"amostras":[]}}`},
		{name: "success without data", status: 200, body: `{"success":true}`, want: mapa.KindMalformedResponse},
		{name: "null data", status: 200, body: `{"success":true,"data":null}`, want: mapa.KindMalformedResponse},
		{name: "not json", status: 200, body: `<html>`, want: mapa.KindMalformedResponse},
		{name: "html gateway error", status: 502, body: `<html>`, want: mapa.KindTransport},
		{name: "legacy error field", status: 200, body: `{"success":false,"error":"boom"}`, want: mapa.KindValidationFailed},
		{name: "forbidden", status: 403, body: `{"success":false,"message":"no"}`, want: mapa.KindUnauthorized},
		{name: "not found", status: 404, body: `{"success":false}`, want: mapa.KindNotFound},
		{name: "conflict", status: 409, body: `{"success":false}`, want: mapa.KindPersistenceConflict},
		{name: "unprocessable", status: 422, body: `{"success":false}`, want: mapa.KindValidationFailed},
		{name: "bad shape", status: 200, body: `{"success":true,"data":{"amostras":"x"}}`, want: mapa.KindMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Decode[mapa.BatchResponse](tt.status, []byte(tt.body))
			_, err := res.Unwrap()
			if tt.want == "" {
				if err != nil || !res.IsOk() {
					t.Fatalf("Decode() error = %v", err)
				}
				return
			}
			if got := mapa.KindOf(err); got != tt.want {
				t.Fatalf("Decode() kind = %s, want %s (%v)", got, tt.want, err)
			}
		})
	}
}

func TestDecodeKeepsLegacyErrorText(t *testing.T) {
	_, err := Decode[mapa.BatchResponse](200, []byte(`{"success":false,"error":"parâmetro inválido"}`)).Unwrap()
	e, ok := mapa.AsError(err)
	if !ok || e.Message != "parâmetro inválido" {
		t.Fatalf("expected legacy message, got %v", err)
	}
}

func TestClientSaveRoundTrip(t *testing.T) {
	var got mapa.SaveRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/mapa/save" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Errorf("missing request id")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		env, _ := OK(mapa.BatchResponse{Amostras: []mapa.RowResult{
			{IDResultado: 1, Success: true},
			{IDResultado: 2, Success: false, Motivo: mapa.ReasonReportExists, Mensagem: "laudo emitido"},
		}})
		_ = json.NewEncoder(w).Encode(env)
	}))
	defer srv.Close()

	obs := &recordingObserver{}
	client := NewClient(srv.URL, WithToken("tok"), WithObserver(obs))
	req := mapa.SaveRequest{IDUsuario: 7, Amostras: []mapa.SaveEntry{
		{IDResultado: 1, Resultado: "3.2", Etapas: []mapa.StageEdit{{ID: 9, Valor: "1"}}},
	}}
	results, err := client.Save(context.Background(), req)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if diff := cmp.Diff(req, got); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}
	if len(results) != 2 || results[1].Motivo != mapa.ReasonReportExists {
		t.Fatalf("unexpected results %+v", results)
	}
	if diff := cmp.Diff([]string{"save"}, obs.calls); diff != "" {
		t.Fatalf("observer mismatch (-want +got):\n%s", diff)
	}
}

func TestClientTimeoutIsTransport(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := NewClient(srv.URL, WithTimeout(50*time.Millisecond))
	_, err := client.Vistar(context.Background(), mapa.VistarRequest{IDUsuario: 1})
	if !errors.Is(err, mapa.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestClientStatusMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(Fail("FORBIDDEN", "sem permissão"))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Load(context.Background(), mapa.LoadRequest{IDParametroPop: 1, IDUsuario: 2})
	if !errors.Is(err, mapa.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestClientLoginKeepsToken(t *testing.T) {
	var auth []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = append(auth, r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/api/session/login":
			env, _ := OK(LoginResponse{Token: "abc", UserID: 7, UserName: "Ana", Role: "analista"})
			_ = json.NewEncoder(w).Encode(env)
		default:
			env, _ := OK(map[string]any{"results": []any{}, "total": 0, "query": r.URL.Query().Get("q")})
			_ = json.NewEncoder(w).Encode(env)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	login, err := client.Login(context.Background(), "ana")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if login.UserID != 7 {
		t.Fatalf("unexpected login %+v", login)
	}
	resp, err := client.Search(context.Background(), "dbo", 5)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if resp.Query != "dbo" {
		t.Fatalf("unexpected query echo %q", resp.Query)
	}
	if diff := cmp.Diff([]string{"", "Bearer abc"}, auth); diff != "" {
		t.Fatalf("authorization mismatch (-want +got):\n%s", diff)
	}
}

func TestClientExportFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") != "xlsx" {
			t.Errorf("unexpected format %q", r.URL.Query().Get("format"))
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="DBO.xlsx"`)
		_, _ = w.Write([]byte("PK"))
	}))
	defer srv.Close()

	file, err := NewClient(srv.URL).Export(context.Background(), 10, "xlsx")
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if file.Name != "DBO.xlsx" || string(file.Body) != "PK" {
		t.Fatalf("unexpected file %+v", file)
	}
}
