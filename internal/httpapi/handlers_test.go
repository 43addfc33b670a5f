package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"milkrun/backend/internal/cache"
	"milkrun/backend/internal/domain"
	"milkrun/backend/internal/loadplan"
	"milkrun/backend/internal/service"
	"milkrun/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	planner := loadplan.NewEngine(cache.NoopLoadPlanCache{}, 5*time.Second)
	svc := service.New(repo, planner)
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", repo)

	return New(svc, auth, "*")
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "manager",
		"password": "manager123",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp.Token == "" {
		t.Fatalf("expected token in response")
	}
	if resp.Role != domain.RoleManager {
		t.Fatalf("expected manager role, got %s", resp.Role)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "manager",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleProducts_WithValidToken(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "ravi", "driver123")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["products"] == nil {
		t.Fatalf("expected products key in response, got %v", body)
	}
}

func TestDriverCannotPostDeliveries(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "ravi", "driver123")
	csrf := fetchCSRFToken(t, api)

	payload, _ := json.Marshal(domain.DeliveryCreateRequest{
		DeliveryDate: "2026-09-01",
		Items: []domain.DeliveryItemRequest{
			{ProductID: "prod-milk-500", BatchNumber: "BN-1", Quantity: 10, ExpiryDate: "2026-09-05"},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/deliveries", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

// TestDeliveryAndLoadFlow drives the full receive-load-oversell path through
// HTTP, checking the status code mapping at each step.
func TestDeliveryAndLoadFlow(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "manager", "manager123")
	csrf := fetchCSRFToken(t, api)

	do := func(method, path string, payload any) *httptest.ResponseRecorder {
		t.Helper()
		var body *bytes.Reader
		if payload != nil {
			raw, err := json.Marshal(payload)
			if err != nil {
				t.Fatalf("marshal payload: %v", err)
			}
			body = bytes.NewReader(raw)
		} else {
			body = bytes.NewReader(nil)
		}
		req := httptest.NewRequest(method, path, body)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-CSRF-Token", csrf)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := do(http.MethodPost, "/api/v1/deliveries", domain.DeliveryCreateRequest{
		DeliveryDate: "2026-09-01",
		Items: []domain.DeliveryItemRequest{
			{ProductID: "prod-milk-500", BatchNumber: "BN-1", Quantity: 100, ExpiryDate: "2026-09-05"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("delivery: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = do(http.MethodPost, "/api/v1/truck-loads", domain.TruckLoadCreateRequest{
		TruckID:  "truck-1",
		LoadDate: "2026-09-01",
		Items:    []domain.LoadItemRequest{{ProductID: "prod-milk-500", Quantity: 40}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("load: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var loadResp domain.TruckLoadResponse
	if err := json.NewDecoder(rec.Body).Decode(&loadResp); err != nil {
		t.Fatalf("decode load: %v", err)
	}

	// Overcommitting the remaining 60 maps to 400.
	rec = do(http.MethodPost, "/api/v1/truck-loads", domain.TruckLoadCreateRequest{
		TruckID:  "truck-2",
		LoadDate: "2026-09-01",
		Items:    []domain.LoadItemRequest{{ProductID: "prod-milk-500", Quantity: 500}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("oversized load: expected 400, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = do(http.MethodGet, "/api/v1/truck-loads/"+loadResp.Load.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get load: expected 200, got %d", rec.Code)
	}

	rec = do(http.MethodGet, "/api/v1/truck-loads/load-does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing load: expected 404, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = do(http.MethodPut, "/api/v1/truck-loads/"+loadResp.Load.ID+"/reconcile", domain.TruckLoadReconcileRequest{
		Returns: []domain.LoadReturnRequest{
			{BatchID: loadResp.Load.Items[0].BatchID, QuantityReturned: 40},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("reconcile: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	// Second reconcile maps to 409.
	rec = do(http.MethodPut, "/api/v1/truck-loads/"+loadResp.Load.ID+"/reconcile", domain.TruckLoadReconcileRequest{})
	if rec.Code != http.StatusConflict {
		t.Fatalf("double reconcile: expected 409, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestDeleteTruckLoadRequiresManagerPIN(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "manager", "manager123")
	csrf := fetchCSRFToken(t, api)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/truck-loads/load-x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	req.Header.Set("X-Manager-PIN", "999999")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong pin, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}
