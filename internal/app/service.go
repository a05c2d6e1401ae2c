package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"labmapa/internal/archive"
	"labmapa/internal/auth"
	"labmapa/internal/config"
	"labmapa/internal/export"
	"labmapa/internal/mapa"
	"labmapa/internal/rbac"
	"labmapa/internal/rpc"
	"labmapa/internal/search"
	"labmapa/internal/store"
)

type Session struct {
	Token     string
	UserID    int64
	UserName  string
	Role      string
	JTI       string
	ExpiresAt time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error
	EnsureUserByLogin(ctx context.Context, login string) (store.User, error)
	GetUserByID(ctx context.Context, userID int64) (store.User, error)
	GetParameter(ctx context.Context, parameterID int64) (mapa.ParameterContext, error)
	ParameterOfRow(ctx context.Context, rowID int64) (int64, error)
	LoadParameter(ctx context.Context, parameterID int64) (mapa.LoadResponse, error)
	SaveRow(ctx context.Context, parameterID, userID int64, calculado bool, entry mapa.SaveEntry) (mapa.SampleRow, []mapa.StageValue, error)
	SignRow(ctx context.Context, parameterID, rowID int64, signer store.User, allowSelf func(mapa.SampleRow) bool) (mapa.SampleRow, error)
	ListVistos(ctx context.Context, parameterID int64) ([]store.Visto, error)
}

type tokenRevoker interface {
	Revoke(ctx context.Context, jti string, userID int64, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

type changePublisher interface {
	Publish(ctx context.Context, change mapa.Change) error
}

type searchService interface {
	Search(ctx context.Context, q search.Query) search.Response
	Reindex(ids ...int64)
}

type exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

type archiver interface {
	Put(ctx context.Context, parameterID int64, filename, contentType string, data []byte) (archive.Ref, error)
}

type observer interface {
	ObserveCall(op string, kind mapa.Kind, elapsed time.Duration)
	ObserveRows(op string, results []mapa.RowResult)
}

// Option wires an optional collaborator into the service.
type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithRevoker enables logout before token expiry.
func WithRevoker(r tokenRevoker) Option {
	return func(s *Service) { s.revoker = r }
}

func WithPublisher(p changePublisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithSearch(q searchService) Option {
	return func(s *Service) { s.search = q }
}

func WithExporter(e exporter) Option {
	return func(s *Service) { s.exporter = e }
}

func WithArchive(a archiver) Option {
	return func(s *Service) { s.archive = a }
}

func WithObserver(o observer) Option {
	return func(s *Service) { s.observer = o }
}

// WithPolicy sets the self sign-off policy; the default denies.
func WithPolicy(p mapa.SelfSignoffPolicy) Option {
	return func(s *Service) { s.selfSignoff = p }
}

type Service struct {
	cfg         config.Config
	store       dataStore
	logger      *zap.Logger
	revoker     tokenRevoker
	publisher   changePublisher
	search      searchService
	exporter    exporter
	archive     archiver
	observer    observer
	selfSignoff mapa.SelfSignoffPolicy
}

func New(cfg config.Config, dataStore dataStore, opts ...Option) *Service {
	s := &Service{cfg: cfg, store: dataStore}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.selfSignoff == nil {
		s.selfSignoff = mapa.DenySelfSignoff
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Login(ctx context.Context, login string) (Session, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return Session{}, validation("login is required")
	}
	user, err := s.store.EnsureUserByLogin(ctx, login)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(user)
}

func (s *Service) issueSession(user store.User) (Session, error) {
	claims := auth.NewClaims(user.ID, user.Nome, user.Role, s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), claims)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Nome,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// SessionFromToken verifies a bearer token and reloads the user, so role
// changes apply without waiting for the token to expire.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	if s.revoker != nil {
		revoked, err := s.revoker.IsRevoked(ctx, claims.JTI)
		if err != nil {
			return Session{}, err
		}
		if revoked {
			return Session{}, auth.ErrInvalidToken
		}
	}
	user, err := s.store.GetUserByID(ctx, claims.UserID())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Nome,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session) error {
	if s.revoker == nil || session.JTI == "" {
		return nil
	}
	return s.revoker.Revoke(ctx, session.JTI, session.UserID, session.ExpiresAt)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// authorize checks the role and that the body acts for the token's user.
func (s *Service) authorize(session Session, action rbac.Action, userID int64) error {
	if !s.Can(session.Role, action) {
		return forbidden(string(action))
	}
	if userID != session.UserID {
		return &mapa.Error{Kind: mapa.KindUnauthorized, Message: auth.ErrSubjectMismatch.Error()}
	}
	return nil
}

func (s *Service) observe(op string, started time.Time, err *error) {
	if s.observer == nil {
		return
	}
	kind := mapa.KindOf(*err)
	var domainErr *DomainError
	if kind == "" && errors.As(*err, &domainErr) {
		kind = rpc.KindForStatus(domainErr.Status)
	} else if kind == "" && *err != nil {
		kind = mapa.KindTransport
	}
	s.observer.ObserveCall(op, kind, time.Since(started))
}

func (s *Service) Load(ctx context.Context, session Session, req mapa.LoadRequest) (resp mapa.LoadResponse, err error) {
	defer s.observe("load", time.Now(), &err)
	if err := s.authorize(session, rbac.ActionRead, req.IDUsuario); err != nil {
		return mapa.LoadResponse{}, err
	}
	resp, err = s.store.LoadParameter(ctx, req.IDParametroPop)
	if errors.Is(err, sql.ErrNoRows) {
		return mapa.LoadResponse{}, &mapa.Error{Kind: mapa.KindNotFound, Message: fmt.Sprintf("parameter %d not found", req.IDParametroPop)}
	}
	if err != nil {
		return mapa.LoadResponse{}, err
	}
	if len(resp.Amostras) == 0 {
		return mapa.LoadResponse{}, &mapa.Error{Kind: mapa.KindNotFound, Message: fmt.Sprintf("no pending samples for %s", resp.Info.Nome)}
	}
	return resp, nil
}

// batch caches per-request parameter lookups and collects the rows each
// parameter had changed.
type batch struct {
	params  map[int64]mapa.ParameterContext
	changed map[int64][]int64
}

func newBatch() *batch {
	return &batch{params: map[int64]mapa.ParameterContext{}, changed: map[int64][]int64{}}
}

func (s *Service) parameterOfRow(ctx context.Context, b *batch, rowID int64) (mapa.ParameterContext, error) {
	parameterID, err := s.store.ParameterOfRow(ctx, rowID)
	if errors.Is(err, sql.ErrNoRows) {
		return mapa.ParameterContext{}, &mapa.Error{Kind: mapa.KindNotFound, RowID: rowID, Message: "row is not pending"}
	}
	if err != nil {
		return mapa.ParameterContext{}, err
	}
	if p, ok := b.params[parameterID]; ok {
		return p, nil
	}
	p, err := s.store.GetParameter(ctx, parameterID)
	if err != nil {
		return mapa.ParameterContext{}, fmt.Errorf("get parameter %d: %w", parameterID, err)
	}
	b.params[parameterID] = p
	return p, nil
}

// Save persists each entry in its own transaction. Row rejections become
// failed outcomes; an infrastructure failure aborts the rest of the batch.
// Rows committed before the failure are still announced.
func (s *Service) Save(ctx context.Context, session Session, req mapa.SaveRequest) (resp mapa.BatchResponse, err error) {
	defer s.observe("save", time.Now(), &err)
	if err := s.authorize(session, rbac.ActionEnter, req.IDUsuario); err != nil {
		return mapa.BatchResponse{}, err
	}
	if len(req.Amostras) == 0 {
		return mapa.BatchResponse{}, validation("amostras is required")
	}

	b := newBatch()
	defer s.announce(session, mapa.ChangeSaved, b)

	results := make([]mapa.RowResult, 0, len(req.Amostras))
	for _, entry := range req.Amostras {
		res, err := s.saveEntry(ctx, session, b, entry)
		if err != nil {
			return mapa.BatchResponse{}, err
		}
		results = append(results, res)
	}
	if s.observer != nil {
		s.observer.ObserveRows("save", results)
	}
	return mapa.BatchResponse{Amostras: results}, nil
}

func (s *Service) saveEntry(ctx context.Context, session Session, b *batch, entry mapa.SaveEntry) (mapa.RowResult, error) {
	if err := entry.Validate(); err != nil {
		e, _ := mapa.AsError(err)
		return rowFailure(entry.IDResultado, e), nil
	}
	param, err := s.parameterOfRow(ctx, b, entry.IDResultado)
	if e, ok := mapa.AsError(err); ok {
		return rowFailure(entry.IDResultado, e), nil
	}
	if err != nil {
		return mapa.RowResult{}, err
	}

	row, values, err := s.store.SaveRow(ctx, param.ID, session.UserID, param.Calculado, entry)
	if e, ok := mapa.AsError(err); ok {
		s.logger.Info("save rejected", zap.Int64("row", entry.IDResultado), zap.String("reason", string(e.Reason)))
		return rowFailure(entry.IDResultado, e), nil
	}
	if err != nil {
		return mapa.RowResult{}, fmt.Errorf("save row %d: %w", entry.IDResultado, err)
	}
	b.changed[param.ID] = append(b.changed[param.ID], row.ID)
	return mapa.RowResult{IDResultado: row.ID, Success: true, Amostra: &row, EtapasValores: values}, nil
}

func (s *Service) Vistar(ctx context.Context, session Session, req mapa.VistarRequest) (resp mapa.BatchResponse, err error) {
	defer s.observe("vistar", time.Now(), &err)
	if err := s.authorize(session, rbac.ActionVistar, req.IDUsuario); err != nil {
		return mapa.BatchResponse{}, err
	}
	if len(req.Amostras) == 0 {
		return mapa.BatchResponse{}, validation("amostras is required")
	}
	signer, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return mapa.BatchResponse{}, fmt.Errorf("get signer: %w", err)
	}

	b := newBatch()
	defer s.announce(session, mapa.ChangeSigned, b)

	results := make([]mapa.RowResult, 0, len(req.Amostras))
	for _, entry := range req.Amostras {
		res, err := s.signEntry(ctx, b, signer, entry.IDResultado)
		if err != nil {
			return mapa.BatchResponse{}, err
		}
		results = append(results, res)
	}
	if s.observer != nil {
		s.observer.ObserveRows("vistar", results)
	}
	return mapa.BatchResponse{Amostras: results}, nil
}

func (s *Service) signEntry(ctx context.Context, b *batch, signer store.User, rowID int64) (mapa.RowResult, error) {
	param, err := s.parameterOfRow(ctx, b, rowID)
	if e, ok := mapa.AsError(err); ok {
		return rowFailure(rowID, e), nil
	}
	if err != nil {
		return mapa.RowResult{}, err
	}

	allowSelf := func(row mapa.SampleRow) bool {
		return s.selfSignoff(param, row, signer.ID)
	}
	row, err := s.store.SignRow(ctx, param.ID, rowID, signer, allowSelf)
	if e, ok := mapa.AsError(err); ok {
		s.logger.Info("vistar rejected", zap.Int64("row", rowID), zap.String("reason", string(e.Reason)))
		return rowFailure(rowID, e), nil
	}
	if err != nil {
		return mapa.RowResult{}, fmt.Errorf("sign row %d: %w", rowID, err)
	}
	b.changed[param.ID] = append(b.changed[param.ID], row.ID)
	return mapa.RowResult{IDResultado: row.ID, Success: true, Amostra: &row}, nil
}

// announce publishes one change per touched parameter and refreshes their
// search entries. Failures are logged; the rows are already committed.
func (s *Service) announce(session Session, kind mapa.ChangeKind, b *batch) {
	if len(b.changed) == 0 {
		return
	}
	ids := make([]int64, 0, len(b.changed))
	for parameterID, rows := range b.changed {
		ids = append(ids, parameterID)
		if s.publisher == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := s.publisher.Publish(ctx, mapa.Change{ParameterID: parameterID, Rows: rows, Actor: session.UserID, Kind: kind})
		cancel()
		if err != nil {
			s.logger.Warn("publish change failed", zap.Int64("parameter", parameterID), zap.Error(err))
		}
	}
	if s.search != nil {
		s.search.Reindex(ids...)
	}
}

func (s *Service) Search(ctx context.Context, session Session, q search.Query) (search.Response, error) {
	if !s.Can(session.Role, rbac.ActionRead) {
		return search.Response{}, forbidden(string(rbac.ActionRead))
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(ctx, q), nil
}

func (s *Service) Export(ctx context.Context, session Session, req export.Request) (*export.Result, error) {
	if !s.Can(session.Role, rbac.ActionRead) {
		return nil, forbidden(string(rbac.ActionRead))
	}
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	if _, err := s.store.GetParameter(ctx, req.ParameterID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &mapa.Error{Kind: mapa.KindNotFound, Message: fmt.Sprintf("parameter %d not found", req.ParameterID)}
		}
		return nil, err
	}
	res, err := s.exporter.Export(ctx, req)
	if errors.Is(err, export.ErrPDFDependencyMissing) {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF rendering is not available on this server", nil)
	}
	return res, err
}

// Archive renders an export and stores it in object storage.
func (s *Service) Archive(ctx context.Context, session Session, req export.Request) (archive.Ref, error) {
	if s.archive == nil {
		return archive.Ref{}, domainError(http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE", "Archive storage is not configured", nil)
	}
	res, err := s.Export(ctx, session, req)
	if err != nil {
		return archive.Ref{}, err
	}
	ref, err := s.archive.Put(ctx, req.ParameterID, res.Filename, res.MimeType, res.Data)
	if err != nil {
		return archive.Ref{}, err
	}
	s.logger.Info("export archived", zap.Int64("parameter", req.ParameterID), zap.String("key", ref.Key), zap.Int64("user", session.UserID))
	return ref, nil
}
