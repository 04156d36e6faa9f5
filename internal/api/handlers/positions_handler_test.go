package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"fundingarb/internal/models"
	"fundingarb/internal/repository"
)

// fakeReader - PositionReader со сценарными ответами
type fakeReader struct {
	live   []*models.ActivePosition
	closed []*models.ActivePosition
	byID   map[string]*models.ActivePosition
	err    error
}

func (f *fakeReader) GetLive() ([]*models.ActivePosition, error) {
	return f.live, f.err
}

func (f *fakeReader) GetClosed(limit int) ([]*models.ActivePosition, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.closed) {
		return f.closed[:limit], nil
	}
	return f.closed, nil
}

func (f *fakeReader) GetByID(id string) (*models.ActivePosition, error) {
	if f.err != nil {
		return nil, f.err
	}
	if p, ok := f.byID[id]; ok {
		return p, nil
	}
	return nil, repository.ErrPositionNotFound
}

func mustPosition(t *testing.T, symbol string) *models.ActivePosition {
	t.Helper()
	p, err := models.NewActivePosition(symbol, 0.02, 0.02, 0.002, 1.5)
	if err != nil {
		t.Fatalf("NewActivePosition() error = %v", err)
	}
	return p
}

func newTestRouter(store PositionReader) *mux.Router {
	h := NewPositionsHandler(store)
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/positions", h.List).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/positions/closed", h.ListClosed).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/positions/{id}", h.Get).Methods(http.MethodGet)
	return r
}

func TestPositionsList(t *testing.T) {
	store := &fakeReader{live: []*models.ActivePosition{
		mustPosition(t, "BTCUSDT"),
		mustPosition(t, "ETHUSDT"),
	}}

	rec := httptest.NewRecorder()
	newTestRouter(store).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/positions", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("positions = %d, want 2", len(got))
	}
	if got[0]["symbol"] != "BTCUSDT" {
		t.Errorf("symbol = %v, want BTCUSDT", got[0]["symbol"])
	}
	if got[0]["status_info"] == "" {
		t.Error("status_info is empty")
	}
}

func TestPositionsListStoreError(t *testing.T) {
	store := &fakeReader{err: errors.New("connection refused")}

	rec := httptest.NewRecorder()
	newTestRouter(store).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/positions", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestPositionsClosedLimit(t *testing.T) {
	store := &fakeReader{closed: []*models.ActivePosition{
		mustPosition(t, "BTCUSDT"),
		mustPosition(t, "ETHUSDT"),
		mustPosition(t, "SOLUSDT"),
	}}
	router := newTestRouter(store)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/positions/closed?limit=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got []json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("positions = %d, want 2", len(got))
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/positions/closed?limit=0", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status with limit=0: %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/positions/closed?limit=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status with limit=abc: %d, want 400", rec.Code)
	}
}

func TestPositionGetByID(t *testing.T) {
	pos := mustPosition(t, "BTCUSDT")
	store := &fakeReader{byID: map[string]*models.ActivePosition{pos.ID: pos}}
	router := newTestRouter(store)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/positions/"+pos.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["id"] != pos.ID {
		t.Errorf("id = %v, want %s", got["id"], pos.ID)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/positions/no-such-id", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status for missing id = %d, want 404", rec.Code)
	}
}

// pingOK/pingFail - заглушки БД для healthz
type pingOK struct{}

func (pingOK) PingContext(ctx context.Context) error { return nil }

type pingFail struct{}

func (pingFail) PingContext(ctx context.Context) error { return errors.New("no route to host") }

type staticClients int

func (c staticClients) ClientCount() int { return int(c) }

func TestHealthCheck(t *testing.T) {
	h := NewHealthHandler(pingOK{}, staticClients(3), "bybit")

	rec := httptest.NewRecorder()
	h.Check(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got healthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Status != "ok" || got.Exchange != "bybit" || got.WSClients != 3 {
		t.Errorf("report = %+v", got)
	}
}

func TestHealthCheckDatabaseDown(t *testing.T) {
	h := NewHealthHandler(pingFail{}, staticClients(0), "bybit")

	rec := httptest.NewRecorder()
	h.Check(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var got healthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Database != "unreachable" || got.Status != "degraded" {
		t.Errorf("report = %+v", got)
	}
}
