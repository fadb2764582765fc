package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flowpbx/voicebridge/internal/database"
	"github.com/flowpbx/voicebridge/internal/database/models"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "voicebridge.db")
	db, err := database.Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	sysConfig, err := database.NewSystemConfigRepository(ctx, db)
	if err != nil {
		t.Fatalf("NewSystemConfigRepository() error: %v", err)
	}
	lines := database.NewSIPLineRepository(db)
	calls := database.NewCallRepository(db)

	if _, err := db.ExecContext(ctx,
		`INSERT INTO sip_lines (line_id, username, password, server_ip, server_port, enabled, status) VALUES (1, 'u', 'p', '10.0.0.1', 5060, 1, 'unknown')`,
	); err != nil {
		t.Fatalf("seeding sip_lines: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(lines, calls, sysConfig, logger)
}

func doRequest(s *Server, method, path string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	s := testServer(t)
	rec := doRequest(s, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if env.Error != "" {
		t.Errorf("unexpected error: %q", env.Error)
	}
}

func TestHandleListLines(t *testing.T) {
	s := testServer(t)
	rec := doRequest(s, http.MethodGet, "/api/v1/lines", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var env struct {
		Data []models.SIPLine `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(env.Data) != 1 {
		t.Fatalf("got %d lines, want 1", len(env.Data))
	}
	if env.Data[0].LineID != 1 {
		t.Errorf("line_id = %d, want 1", env.Data[0].LineID)
	}
}

func TestHandleSetLineEnabledDisablesThenEnables(t *testing.T) {
	s := testServer(t)

	rec := doRequest(s, http.MethodPost, "/api/v1/lines/1/disable", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("disable status = %d, want %d", rec.Code, http.StatusOK)
	}

	rec = doRequest(s, http.MethodGet, "/api/v1/lines", nil)
	var env struct {
		Data []models.SIPLine `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if env.Data[0].Enabled {
		t.Fatal("line still enabled after disable")
	}

	rec = doRequest(s, http.MethodPost, "/api/v1/lines/1/enable", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("enable status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestHandleSetLineEnabledRejectsBadID(t *testing.T) {
	s := testServer(t)
	rec := doRequest(s, http.MethodPost, "/api/v1/lines/notanumber/disable", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleGetCallNotFound(t *testing.T) {
	s := testServer(t)
	rec := doRequest(s, http.MethodGet, "/api/v1/calls/999", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleActiveCallsAndGetCall(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "voicebridge2.db")
	realDB, err := database.Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer realDB.Close()
	callers := database.NewCallerRepository(realDB)
	calls := database.NewCallRepository(realDB)
	lines := database.NewSIPLineRepository(realDB)
	sysConfig, err := database.NewSystemConfigRepository(ctx, realDB)
	if err != nil {
		t.Fatalf("NewSystemConfigRepository() error: %v", err)
	}
	if _, err := realDB.ExecContext(ctx,
		`INSERT INTO sip_lines (line_id, username, password, server_ip, server_port, enabled, status) VALUES (1, 'u', 'p', '10.0.0.1', 5060, 1, 'unknown')`,
	); err != nil {
		t.Fatalf("seeding sip_lines: %v", err)
	}
	caller, err := callers.GetOrCreate(ctx, "+15551234567")
	if err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}
	call := &models.Call{SIPCallID: "abc@pbx", CallerID: caller.ID, LineID: 1, PhoneNumber: "+15551234567"}
	if err := calls.Create(ctx, call); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := NewServer(lines, calls, sysConfig, logger)

	rec := doRequest(server, http.MethodGet, "/api/v1/calls", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var listEnv struct {
		Data []models.Call `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listEnv); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(listEnv.Data) != 1 {
		t.Fatalf("got %d active calls, want 1", len(listEnv.Data))
	}

	rec = doRequest(server, http.MethodGet, fmt.Sprintf("/api/v1/calls/%d", call.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var getEnv struct {
		Data models.Call `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &getEnv); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if getEnv.Data.SIPCallID != "abc@pbx" {
		t.Errorf("sip_call_id = %q, want %q", getEnv.Data.SIPCallID, "abc@pbx")
	}
}

func TestHandleConfigGetAndSet(t *testing.T) {
	s := testServer(t)

	rec := doRequest(s, http.MethodGet, "/api/v1/config/sip.udp_port", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var getEnv struct {
		Data struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &getEnv); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if getEnv.Data.Value != "" {
		t.Errorf("value = %q, want empty for unset key", getEnv.Data.Value)
	}

	body := strings.NewReader(`{"value":"5080"}`)
	rec = doRequest(s, http.MethodPut, "/api/v1/config/sip.udp_port", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d, want %d", rec.Code, http.StatusOK)
	}

	rec = doRequest(s, http.MethodGet, "/api/v1/config/sip.udp_port", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &getEnv); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if getEnv.Data.Value != "5080" {
		t.Errorf("value = %q, want %q", getEnv.Data.Value, "5080")
	}
}

func TestHandleSetConfigRejectsInvalidBody(t *testing.T) {
	s := testServer(t)
	rec := doRequest(s, http.MethodPut, "/api/v1/config/sip.udp_port", strings.NewReader("not json"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

