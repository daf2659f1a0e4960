package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gluk-w/jumpterm/internal/audit"
	"github.com/gluk-w/jumpterm/internal/crypto"
	"github.com/gluk-w/jumpterm/internal/database"
	"github.com/gluk-w/jumpterm/internal/sshterminal"
)

func TestCreateAndAssignTarget(t *testing.T) {
	setupTestDB(t)
	router := testRouter()
	bob, bobTok := createTestUser(t, "bob", "user")
	_, adminTok := createTestUser(t, "root", "admin")

	post := func(path, token, body string) *httptest.ResponseRecorder {
		r := httptest.NewRequest("POST", path, strings.NewReader(body))
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)
		return w
	}

	body := `{"name":"db-1","host":"10.0.0.5","username":"ops","password":"hunter2"}`
	if w := post("/api/v1/targets", bobTok, body); w.Code != http.StatusForbidden {
		t.Fatalf("non-admin create = %d", w.Code)
	}
	if w := post("/api/v1/targets", adminTok, `{"name":"x","host":"h","username":"u"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("create without credentials = %d", w.Code)
	}
	if w := post("/api/v1/targets", adminTok, `{"name":"x","host":"h","username":"u","password":"p","shell":"/bin/evil"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("create with bad shell = %d", w.Code)
	}

	if w := post("/api/v1/targets", adminTok, `{"name":"x","host":"h","username":"u","password":"p","allowed_ips":"10.0.0.0/99"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("create with bad allow list = %d", w.Code)
	}

	body = `{"name":"db-1","host":"10.0.0.5","username":"ops","password":"hunter2","allowed_ips":" 10.1.0.0/16 ,192.168.1.7"}`
	w := post("/api/v1/targets", adminTok, body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "hunter2") {
		t.Fatal("response leaks the password")
	}
	var created database.Target
	json.NewDecoder(w.Body).Decode(&created)

	stored, _ := database.GetTarget(created.ID)
	if stored.Port != 22 {
		t.Errorf("port = %d, want 22", stored.Port)
	}
	if stored.AllowedIPs != "10.1.0.0/16, 192.168.1.7" {
		t.Errorf("allowed_ips = %q", stored.AllowedIPs)
	}
	if pw, err := crypto.Decrypt(stored.PasswordEnc); err != nil || pw != "hunter2" {
		t.Errorf("stored password = %q, %v", pw, err)
	}
	st, err := sshTarget(stored)
	if err != nil || st.Password != "hunter2" || st.User != "ops" {
		t.Errorf("sshTarget = %+v, %v", st, err)
	}

	list := func(token string) int {
		var targets []database.Target
		json.NewDecoder(do(t, router, "GET", "/api/v1/targets", token).Body).Decode(&targets)
		return len(targets)
	}
	if n := list(bobTok); n != 0 {
		t.Fatalf("bob sees %d targets before assignment", n)
	}

	path := "/api/v1/targets/" + jsonID(created.ID) + "/assign"
	if w := post(path, adminTok, `{"user_id":999}`); w.Code != http.StatusNotFound {
		t.Fatalf("assign unknown user = %d", w.Code)
	}
	if w := post(path, adminTok, `{"user_id":`+jsonID(bob.ID)+`}`); w.Code != http.StatusOK {
		t.Fatalf("assign = %d %s", w.Code, w.Body.String())
	}
	if n := list(bobTok); n != 1 {
		t.Fatalf("bob sees %d targets after assignment", n)
	}
}

func TestSSHTargetMissingKey(t *testing.T) {
	setupTestDB(t)
	_, err := sshTarget(&database.Target{ID: 3, PrivateKeyPath: "/nonexistent/key"})
	if err == nil || !strings.Contains(err.Error(), "target 3") {
		t.Fatalf("err = %v", err)
	}
}

func jsonID(id uint) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func TestTargetHostKeyPinning(t *testing.T) {
	setupTestDB(t)
	addr := testSSHServer(t)
	SessionMgr = sshterminal.NewSessionManager("")
	_, adminTok := createTestUser(t, "root", "admin")
	target := createTestTarget(t, addr, sshPassword)
	router := testRouter()

	send := func(method, path, body string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Authorization", "Bearer "+adminTok)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)
		return w
	}
	wsPath := fmt.Sprintf("/api/v1/ws/ssh/%d", target.ID)
	keyPath := fmt.Sprintf("/api/v1/targets/%d/host-key", target.ID)

	// Without an upgrade the handshake fails after the SSH dial.
	do(t, router, "GET", wsPath, adminTok)
	stored, _ := database.GetTarget(target.ID)
	learned := stored.HostKeyFingerprint
	if err := sshterminal.ValidateFingerprint(learned); err != nil || learned == "" {
		t.Fatalf("host key not pinned on first connect: %q", learned)
	}
	if res, _ := audit.Get().Query(audit.QueryOptions{EventType: audit.EventHostKeyPinned}); res.Total != 1 {
		t.Errorf("pinned audit entries = %d", res.Total)
	}

	if w := send("PUT", keyPath, `{"host_key_fingerprint":"MD5:aa"}`); w.Code != http.StatusBadRequest {
		t.Errorf("invalid fingerprint status = %d", w.Code)
	}
	if w := send("PUT", keyPath, `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing fingerprint status = %d", w.Code)
	}
	bogus := "SHA256:" + strings.Repeat("A", 43)
	if w := send("PUT", "/api/v1/targets/999/host-key", fmt.Sprintf(`{"host_key_fingerprint":%q}`, bogus)); w.Code != http.StatusNotFound {
		t.Errorf("unknown target status = %d", w.Code)
	}
	if w := send("PUT", keyPath, fmt.Sprintf(`{"host_key_fingerprint":%q}`, bogus)); w.Code != http.StatusOK {
		t.Fatalf("set host key status = %d: %s", w.Code, w.Body.String())
	}

	if w := do(t, router, "GET", wsPath, adminTok); w.Code != http.StatusBadGateway {
		t.Fatalf("connect with wrong pin status = %d, want 502", w.Code)
	}
	res, _ := audit.Get().Query(audit.QueryOptions{EventType: audit.EventHostKeyMismatch})
	if res.Total != 1 || !strings.Contains(res.Entries[0].Details, learned) {
		t.Errorf("mismatch audit entries = %+v", res.Entries)
	}

	if w := send("DELETE", keyPath, ""); w.Code != http.StatusOK {
		t.Fatalf("clear host key status = %d", w.Code)
	}
	if stored, _ := database.GetTarget(target.ID); stored.HostKeyFingerprint != "" {
		t.Errorf("pin not cleared: %q", stored.HostKeyFingerprint)
	}
}
