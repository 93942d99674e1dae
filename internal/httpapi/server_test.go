package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"amsbroker/internal/auth"
	"amsbroker/internal/config"
	"amsbroker/internal/fanout"
	"amsbroker/internal/ingest"
	"amsbroker/internal/queue"
	"amsbroker/internal/registry"
	"amsbroker/internal/relay"
	"amsbroker/internal/store"
	"amsbroker/internal/store/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	srv   *httptest.Server
	store *memory.Store
	cfg   config.App
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := log.New(io.Discard, "", 0)

	cfg := config.App{
		Env:             "test",
		JWTIssuer:       "amsbroker-test",
		JWTSigningKey:   "test-signing-key",
		AccessTTL:       15 * time.Minute,
		RefreshTTL:      time.Hour,
		AdminAPIKey:     "admin-key",
		HardwareAPIKey:  "hw-key",
		GracePeriod:     15 * time.Minute,
		RateLimitPerMin: 1000,
	}

	ms := memory.New()
	events := queue.NewInMemory(64)
	reg := registry.New(30*time.Second, logger)
	rl := relay.New(ms, reg, relay.DefaultStaleAfter, logger)
	ing := ingest.NewService(ms, events, cfg.GracePeriod, logger)
	hub := fanout.NewHub(logger)

	s := New(cfg, ms, reg, rl, ing, hub, logger)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, store: ms, cfg: cfg}
}

func (f *fixture) seedClassroom(t *testing.T, start time.Time) (store.AttendanceSession, store.User) {
	t.Helper()
	f.store.SeedDevice(store.Device{DeviceID: "D1", MacAddress: "AA:BB:CC:DD:EE:FF"})
	student := f.store.SeedUser(store.User{
		Name:          "Aisha Bello",
		MatricNumber:  "18/56EG001",
		FingerprintID: "FP-001",
		RFIDUID:       "04A224E9",
	})
	sess := f.store.SeedSession(store.AttendanceSession{
		CourseID:   "C1",
		CourseCode: "CSC301",
		DeviceID:   "D1",
		StartTime:  start,
		EndTime:    start.Add(2 * time.Hour),
		Status:     store.SessionActive,
	})
	f.store.SeedEnrollment("C1", student.ID)
	return sess, student
}

func (f *fixture) devicePost(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-Id", "D1")
	req.Header.Set("X-Mac-Address", "AA:BB:CC:DD:EE:FF")
	req.Header.Set("X-Api-Key", f.cfg.HardwareAPIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	return body
}

func TestHardwareAuthRejectsBadKey(t *testing.T) {
	f := newFixture(t)

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/device/heartbeat", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-Id", "D1")
	req.Header.Set("X-Mac-Address", "AA:BB:CC:DD:EE:FF")
	req.Header.Set("X-Api-Key", "wrong")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAttendanceEndpoint(t *testing.T) {
	f := newFixture(t)
	start := time.Now().UTC().Add(-5 * time.Minute)
	f.seedClassroom(t, start)

	scan := map[string]any{
		"deviceId":   "D1",
		"type":       "fingerprint",
		"identifier": "FP-001",
		"success":    true,
	}

	resp := f.devicePost(t, "/v1/device/attendance", scan)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode(t, resp)
	if body["success"] != true || body["sessionActive"] != true || body["userFound"] != true {
		t.Fatalf("first scan response = %v", body)
	}
	if body["recordId"] == nil {
		t.Fatal("first scan returned no recordId")
	}

	// Same scan again: soft already-recorded, still HTTP 200.
	resp = f.devicePost(t, "/v1/device/attendance", scan)
	body = decode(t, resp)
	if body["alreadyRecorded"] != true {
		t.Fatalf("second scan response = %v, want alreadyRecorded", body)
	}
}

func TestAttendanceUnknownUserIsSoftFailure(t *testing.T) {
	f := newFixture(t)
	start := time.Now().UTC().Add(-5 * time.Minute)
	f.seedClassroom(t, start)

	resp := f.devicePost(t, "/v1/device/attendance", map[string]any{
		"deviceId":   "D1",
		"type":       "rfid",
		"identifier": "DEADBEEF",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode(t, resp)
	if body["success"] != true || body["userFound"] != false {
		t.Fatalf("response = %v, want soft user-not-found", body)
	}
}

func adminToken(t *testing.T, f *fixture) string {
	t.Helper()
	resp := f.devicePost(t, "/v1/admin/login", map[string]string{"apiKey": f.cfg.AdminAPIKey})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var pair auth.TokenPair
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		t.Fatal(err)
	}
	return pair.AccessToken
}

func TestAdminCommandLifecycleOverREST(t *testing.T) {
	f := newFixture(t)
	f.store.SeedDevice(store.Device{DeviceID: "D1", MacAddress: "AA:BB:CC:DD:EE:FF"})
	token := adminToken(t, f)

	// Enqueue while the device is "offline".
	raw, _ := json.Marshal(map[string]any{
		"deviceId":   "D1",
		"type":       "ENROLL_FINGERPRINT",
		"parameters": map[string]string{"userId": "u1"},
	})
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/admin/commands", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("enqueue status = %d, want 202", resp.StatusCode)
	}
	resp.Body.Close()

	// Device polls: command comes back and flips to sent.
	pollReq, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/device/commands?deviceId=D1", nil)
	pollReq.Header.Set("X-Device-Id", "D1")
	pollReq.Header.Set("X-Mac-Address", "AA:BB:CC:DD:EE:FF")
	pollReq.Header.Set("X-Api-Key", f.cfg.HardwareAPIKey)
	resp, err = http.DefaultClient.Do(pollReq)
	if err != nil {
		t.Fatal(err)
	}
	body := decode(t, resp)
	cmds, ok := body["commands"].([]any)
	if !ok || len(cmds) != 1 {
		t.Fatalf("poll returned %v, want one command", body)
	}
	cmd := cmds[0].(map[string]any)
	if cmd["status"] != string(store.CommandSent) {
		t.Fatalf("polled command status = %v, want sent", cmd["status"])
	}

	// Second poll is empty: delivery is not repeated.
	resp, err = http.DefaultClient.Do(pollReq)
	if err != nil {
		t.Fatal(err)
	}
	body = decode(t, resp)
	if cmds, _ := body["commands"].([]any); len(cmds) != 0 {
		t.Fatalf("second poll returned %d commands, want 0", len(cmds))
	}

	// Device reports completion.
	resp = f.devicePost(t, "/v1/device/commands/result", map[string]any{
		"commandId": cmd["id"],
		"status":    "completed",
		"result":    map[string]string{"fingerprintId": "FP123"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("result status = %d, want 200", resp.StatusCode)
	}
	body = decode(t, resp)
	final := body["command"].(map[string]any)
	if final["status"] != string(store.CommandCompleted) {
		t.Fatalf("final command status = %v, want completed", final["status"])
	}
}

func TestDeleteDeviceWithRecordsConflicts(t *testing.T) {
	f := newFixture(t)
	start := time.Now().UTC().Add(-5 * time.Minute)
	f.seedClassroom(t, start)
	token := adminToken(t, f)

	// Commit one record so the device is referenced.
	resp := f.devicePost(t, "/v1/device/attendance", map[string]any{
		"deviceId": "D1", "type": "fingerprint", "identifier": "FP-001",
	})
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, f.srv.URL+"/v1/admin/devices/D1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("delete status = %d, want 409", resp.StatusCode)
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	f := newFixture(t)

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/admin/devices", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
