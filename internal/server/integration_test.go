package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/wordbank/internal/analysis"
	"github.com/MarcoPoloResearchLab/wordbank/internal/auth"
	"github.com/MarcoPoloResearchLab/wordbank/internal/database"
	"github.com/MarcoPoloResearchLab/wordbank/internal/entries"
	"github.com/MarcoPoloResearchLab/wordbank/internal/server"
	"github.com/MarcoPoloResearchLab/wordbank/internal/similarity"
	"github.com/MarcoPoloResearchLab/wordbank/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const jsonContentType = "application/json"

type wireEntry struct {
	ID        int64  `json:"id"`
	ClientID  string `json:"client_id"`
	Content   string `json:"content"`
	EntryType string `json:"entry_type"`
	Version   int64  `json:"version"`
}

type wireSyncResponse struct {
	ServerEntries []wireEntry `json:"server_entries"`
	Conflicts     []struct {
		Local  wireEntry `json:"local"`
		Server wireEntry `json:"server"`
	} `json:"conflicts"`
	LastSyncTime time.Time `json:"last_sync_time"`
}

func TestCreateSyncAndConflictFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	db, err := database.OpenSQLite(fmt.Sprintf("file:integration_%d?mode=memory&cache=shared", time.Now().UnixNano()), logger)
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	analyzer, err := analysis.NewService(analysis.ServiceConfig{Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build analyzer: %v", err)
	}
	index, err := similarity.NewIndex(similarity.HashEmbedding())
	if err != nil {
		testContext.Fatalf("failed to build index: %v", err)
	}
	entryService, err := entries.NewService(entries.ServiceConfig{
		Database:   db,
		IDProvider: entries.NewUUIDProvider(),
		Analyzer:   analyzer,
		Index:      index,
		Logger:     logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build entry service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build user service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("integration-secret"),
		Issuer:        "wordbank-auth",
		Audience:      "wordbank-api",
	})
	if err != nil {
		testContext.Fatalf("failed to build issuer: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:  issuer,
		Users:   userService,
		Entries: entryService,
		Logger:  logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	httpServer := httptest.NewServer(handler)
	defer httpServer.Close()

	token, _, err := issuer.IssueToken("user-abc")
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}

	call := func(method, path string, body any, out any) int {
		testContext.Helper()
		var reader *bytes.Reader
		if body != nil {
			encoded, err := json.Marshal(body)
			if err != nil {
				testContext.Fatalf("encode failed: %v", err)
			}
			reader = bytes.NewReader(encoded)
		} else {
			reader = bytes.NewReader(nil)
		}
		request, err := http.NewRequest(method, httpServer.URL+path, reader)
		if err != nil {
			testContext.Fatalf("request failed: %v", err)
		}
		request.Header.Set("Content-Type", jsonContentType)
		request.Header.Set("Authorization", "Bearer "+token)
		response, err := httpServer.Client().Do(request)
		if err != nil {
			testContext.Fatalf("call failed: %v", err)
		}
		defer response.Body.Close()
		if out != nil {
			if err := json.NewDecoder(response.Body).Decode(out); err != nil {
				testContext.Fatalf("decode failed: %v", err)
			}
		}
		return response.StatusCode
	}

	var created wireEntry
	if status := call(http.MethodPost, "/entries", map[string]string{"content": "resilient"}, &created); status != http.StatusCreated {
		testContext.Fatalf("expected created, got %d", status)
	}
	if created.EntryType != "word" || created.Version != 1 {
		testContext.Fatalf("unexpected created entry: %#v", created)
	}

	var synced wireSyncResponse
	offline := map[string]any{
		"device_id": "phone",
		"local_entries": []map[string]any{
			{"client_id": "local-1", "content": "Offline sentence goes here.", "created_at": time.Now().UTC().Add(-time.Minute)},
		},
	}
	if status := call(http.MethodPost, "/sync", offline, &synced); status != http.StatusOK {
		testContext.Fatalf("expected ok, got %d", status)
	}
	if len(synced.ServerEntries) != 2 || len(synced.Conflicts) != 0 {
		testContext.Fatalf("unexpected sync response: %#v", synced)
	}

	var edited wireSyncResponse
	laptopEdit := map[string]any{
		"device_id":     "laptop",
		"local_entries": []map[string]any{{"id": created.ID, "content": "resilience", "version": 1}},
	}
	if status := call(http.MethodPost, "/sync", laptopEdit, &edited); status != http.StatusOK {
		testContext.Fatalf("expected ok, got %d", status)
	}

	var conflicted wireSyncResponse
	phoneEdit := map[string]any{
		"device_id":     "phone",
		"local_entries": []map[string]any{{"id": created.ID, "content": "resiliently", "version": 1}},
	}
	if status := call(http.MethodPost, "/sync", phoneEdit, &conflicted); status != http.StatusOK {
		testContext.Fatalf("expected ok, got %d", status)
	}
	if len(conflicted.Conflicts) != 1 {
		testContext.Fatalf("expected a conflict, got %#v", conflicted)
	}
	if conflicted.Conflicts[0].Server.Content != "resilience" || conflicted.Conflicts[0].Server.Version != 2 {
		testContext.Fatalf("unexpected server side of conflict: %#v", conflicted.Conflicts[0].Server)
	}

	if status := call(http.MethodDelete, fmt.Sprintf("/entries/%d", created.ID), nil, nil); status != http.StatusOK {
		testContext.Fatalf("expected delete ok, got %d", status)
	}
	if status := call(http.MethodDelete, fmt.Sprintf("/entries/%d", created.ID), nil, nil); status != http.StatusNotFound {
		testContext.Fatalf("expected second delete to be not found, got %d", status)
	}

	var listed []wireEntry
	if status := call(http.MethodGet, "/entries", nil, &listed); status != http.StatusOK {
		testContext.Fatalf("expected ok, got %d", status)
	}
	if len(listed) != 1 || listed[0].ClientID != "local-1" {
		testContext.Fatalf("expected only the offline entry to remain, got %#v", listed)
	}
}
