package integration_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/plumenotehq/plumenote/internal/auth"
	"github.com/plumenotehq/plumenote/internal/collab"
	"github.com/plumenotehq/plumenote/internal/notes"
	"github.com/plumenotehq/plumenote/internal/server"
)

const (
	integrationSigningSecret = "integration-secret"
	integrationUserID        = "user-abc"
	integrationNoteID        = "note-1"
	jsonContentType          = "application/json"
)

func TestCollabEditSnapshotRestoreFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file:integration?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access raw database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&notes.Note{}, &notes.NoteVersion{}, &notes.Collaborator{}, &collab.DocumentState{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	verifier, err := auth.NewVerifier(auth.VerifierConfig{SigningSecret: []byte(integrationSigningSecret)})
	if err != nil {
		testContext.Fatalf("failed to construct verifier: %v", err)
	}
	store, err := collab.NewGormStore(collab.GormStoreConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	registry, err := collab.NewRegistry(collab.RegistryConfig{Store: store, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build registry: %v", err)
	}
	notesService, err := notes.NewService(notes.ServiceConfig{
		Database:   db,
		IDProvider: notes.NewUUIDProvider(),
		Logger:     zap.NewNop(),
		Live:       registry,
	})
	if err != nil {
		testContext.Fatalf("failed to build notes service: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:     verifier,
		NotesService: notesService,
		Registry:     registry,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	note := notes.Note{
		NoteID:           integrationNoteID,
		OwnerID:          integrationUserID,
		Title:            "Integration note",
		Content:          "",
		CreatedAtSeconds: time.Now().Unix(),
		UpdatedAtSeconds: time.Now().Unix(),
	}
	if err := db.Create(&note).Error; err != nil {
		testContext.Fatalf("failed to seed note: %v", err)
	}

	token := mustMintToken(testContext, integrationSigningSecret, integrationUserID, time.Now())

	wsURL := "ws" + strings.TrimPrefix(testServer.URL, "http") + "/collab/note:" + integrationNoteID + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		testContext.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	messageType, initial, err := conn.ReadMessage()
	if err != nil {
		testContext.Fatalf("failed to read initial state: %v", err)
	}
	if messageType != websocket.BinaryMessage {
		testContext.Fatalf("expected binary initial state, got type %d", messageType)
	}
	if _, err := collab.DecodeState(initial); err != nil {
		testContext.Fatalf("initial state invalid: %v", err)
	}

	mustSendUpdate(testContext, conn, collab.Update{Writes: []collab.BlockWrite{{
		BlockID: "b1",
		Value:   "collaborative draft",
		Sort:    "0",
		Lamport: 1,
		Actor:   integrationUserID,
	}}})
	waitForLiveText(testContext, registry, "collaborative draft")

	// Page-close beacon records the first version of the live content.
	beacon := mustPostJSON(testContext, testServer, "/notes/snapshot", token, map[string]any{
		"note_id": integrationNoteID,
	})
	var beaconResult struct {
		Created   bool   `json:"created"`
		VersionID string `json:"version_id"`
		Reason    string `json:"reason"`
	}
	mustDecodeBody(testContext, beacon, &beaconResult)
	if !beaconResult.Created || beaconResult.Reason != "created" || beaconResult.VersionID == "" {
		testContext.Fatalf("expected created beacon, got %#v", beaconResult)
	}

	// A further edit leaves the live document ahead of the snapshot.
	mustSendUpdate(testContext, conn, collab.Update{Writes: []collab.BlockWrite{{
		BlockID: "b1",
		Value:   "revised draft",
		Sort:    "0",
		Lamport: 2,
		Actor:   integrationUserID,
	}}})
	waitForLiveText(testContext, registry, "revised draft")

	restore := mustPostJSON(testContext, testServer, "/notes/"+integrationNoteID+"/restore", token, map[string]any{
		"version_id": beaconResult.VersionID,
	})
	var restoreResult struct {
		Note struct {
			Content string `json:"content"`
		} `json:"note"`
		RestoredFrom  int64  `json:"restored_from"`
		UndoVersionID string `json:"undo_version_id"`
	}
	mustDecodeBody(testContext, restore, &restoreResult)
	if restoreResult.RestoredFrom != 1 {
		testContext.Fatalf("expected restore from version 1, got %d", restoreResult.RestoredFrom)
	}
	if restoreResult.Note.Content != "collaborative draft" {
		testContext.Fatalf("unexpected restored content: %q", restoreResult.Note.Content)
	}
	if restoreResult.UndoVersionID == "" {
		testContext.Fatalf("expected undo version id")
	}

	// The connected editor receives the restored state and converges.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, replacement, err := conn.ReadMessage()
	if err != nil {
		testContext.Fatalf("failed to read replacement broadcast: %v", err)
	}
	if _, err := collab.DecodeUpdate(replacement); err != nil {
		testContext.Fatalf("replacement broadcast invalid: %v", err)
	}
	waitForLiveText(testContext, registry, "collaborative draft")

	// History is append-only: original, undo of the revision, restored.
	var versions []notes.NoteVersion
	if err := db.Where("note_id = ?", integrationNoteID).Order("version ASC").Find(&versions).Error; err != nil {
		testContext.Fatalf("failed to list versions: %v", err)
	}
	if len(versions) != 3 {
		testContext.Fatalf("expected 3 versions, got %d", len(versions))
	}
	if versions[1].Content != "revised draft" {
		testContext.Fatalf("expected undo snapshot of the revision, got %q", versions[1].Content)
	}
	if versions[2].Content != "collaborative draft" {
		testContext.Fatalf("expected restored version, got %q", versions[2].Content)
	}
}

func mustMintToken(testContext *testing.T, signingSecret, userID string, now time.Time) string {
	testContext.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(signingSecret))
	if err != nil {
		testContext.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func mustSendUpdate(testContext *testing.T, conn *websocket.Conn, update collab.Update) {
	testContext.Helper()
	payload, err := update.Encode()
	if err != nil {
		testContext.Fatalf("failed to encode update: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		testContext.Fatalf("failed to send update: %v", err)
	}
}

func waitForLiveText(testContext *testing.T, registry *collab.Registry, expected string) {
	testContext.Helper()
	key, err := collab.KeyForNote(integrationNoteID)
	if err != nil {
		testContext.Fatalf("failed to build key: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if raw, ok := registry.LiveSnapshot(key); ok {
			state, err := collab.DecodeState(raw)
			if err == nil && state.Text() == expected {
				return
			}
		}
		if time.Now().After(deadline) {
			testContext.Fatalf("live session never reached %q", expected)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func mustPostJSON(testContext *testing.T, testServer *httptest.Server, path, token string, body map[string]any) *http.Response {
	testContext.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		testContext.Fatalf("failed to marshal request: %v", err)
	}
	request, err := http.NewRequest(http.MethodPost, testServer.URL+path, bytes.NewReader(payload))
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", jsonContentType)
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected status for %s: %d", path, response.StatusCode)
	}
	return response
}

func mustDecodeBody(testContext *testing.T, response *http.Response, target any) {
	testContext.Helper()
	defer response.Body.Close()
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
}
