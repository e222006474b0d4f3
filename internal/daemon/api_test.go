package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/developingchet/tasteshield/internal/model"
	"github.com/developingchet/tasteshield/internal/platform"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.d.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, false)
	w := h.do(t, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
}

func TestReadyz(t *testing.T) {
	h := newHarness(t, false)
	if w := h.do(t, http.MethodGet, "/readyz", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("before Run: got %d, want 503", w.Code)
	}

	h.d.ready.Store(true)
	if w := h.do(t, http.MethodGet, "/readyz", ""); w.Code != http.StatusOK {
		t.Errorf("running: got %d, want 200", w.Code)
	}

	h.store.SetError("SizeBytes", errors.New("bolt closed"))
	if w := h.do(t, http.MethodGet, "/readyz", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("store failure: got %d, want 503", w.Code)
	}
}

func TestToggleAndStatus(t *testing.T) {
	h := newHarness(t, true)

	w := h.do(t, http.MethodPost, "/v1/shield/toggle", "")
	if w.Code != http.StatusOK {
		t.Fatalf("toggle: got %d", w.Code)
	}
	var toggled struct {
		Active bool `json:"active"`
	}
	decode(t, w, &toggled)
	if !toggled.Active {
		t.Fatal("first toggle should activate")
	}

	w = h.do(t, http.MethodGet, "/v1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var st Status
	decode(t, w, &st)
	if !st.Shield.Active || st.Shield.ActivatedAt == 0 || st.Shield.Sessions != 1 {
		t.Errorf("shield status: %+v", st.Shield)
	}
	if !st.Exclusion.Active {
		t.Error("protector should report the activation")
	}
	if st.Sync == nil {
		t.Error("sync state expected when a remote repository is configured")
	}
	if st.ProfileID != "profile-1" {
		t.Errorf("profile id: got %q", st.ProfileID)
	}

	h.do(t, http.MethodPost, "/v1/shield/toggle", "")
	if h.d.tracker.IsActive() {
		t.Error("second toggle should deactivate")
	}
}

func TestAutoDisableSettings(t *testing.T) {
	h := newHarness(t, false)

	if w := h.do(t, http.MethodPut, "/v1/settings/auto-disable", `{"enabled":true,"minutes":0}`); w.Code != http.StatusBadRequest {
		t.Errorf("enabled without minutes: got %d, want 400", w.Code)
	}
	if w := h.do(t, http.MethodPut, "/v1/settings/auto-disable", `{"enabled":true,"minutes":-5}`); w.Code != http.StatusBadRequest {
		t.Errorf("negative minutes: got %d, want 400", w.Code)
	}
	if w := h.do(t, http.MethodPut, "/v1/settings/auto-disable", `{"enabled":true,"minutes":30}`); w.Code != http.StatusOK {
		t.Fatalf("valid settings: got %d", w.Code)
	}

	h.d.tracker.Toggle()
	left, ok := h.d.tracker.RemainingAutoDisable()
	if !ok || left <= 0 {
		t.Errorf("countdown should run after enabling auto-disable: left=%s ok=%v", left, ok)
	}
}

func TestTimeRuleLifecycle(t *testing.T) {
	h := newHarness(t, false)

	bad := `{"name":"Night","days":["Monday"],"startTime":"25:99","endTime":"6:00 AM","enabled":true}`
	if w := h.do(t, http.MethodPut, "/v1/rules/time", bad); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid rule: got %d, want 400 (%s)", w.Code, w.Body.String())
	}

	good := `{"name":"Night","days":["Monday"],"startTime":"10:00 PM","endTime":"6:00 AM","enabled":true}`
	w := h.do(t, http.MethodPut, "/v1/rules/time", good)
	if w.Code != http.StatusOK {
		t.Fatalf("valid rule: got %d (%s)", w.Code, w.Body.String())
	}
	var saved model.TimeRule
	decode(t, w, &saved)
	if saved.ID == "" || saved.UpdatedAt == 0 {
		t.Errorf("saved rule should carry an id and timestamp: %+v", saved)
	}

	w = h.do(t, http.MethodGet, "/v1/rules", "")
	var list RuleList
	decode(t, w, &list)
	if len(list.TimeRules) != 1 || list.TimeRules[0].ID != saved.ID {
		t.Fatalf("rule list: %+v", list)
	}

	if w := h.do(t, http.MethodDelete, "/v1/rules/"+saved.ID, ""); w.Code != http.StatusNoContent {
		t.Errorf("delete: got %d, want 204", w.Code)
	}
	if w := h.do(t, http.MethodDelete, "/v1/rules/"+saved.ID, ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete: got %d, want 404", w.Code)
	}
}

func TestDeviceRuleRejectsMalformedBody(t *testing.T) {
	h := newHarness(t, false)
	if w := h.do(t, http.MethodPut, "/v1/rules/device", `{"deviceId":`); w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: got %d, want 400", w.Code)
	}
	if w := h.do(t, http.MethodPut, "/v1/rules/device", `{"enabled":true}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing device id: got %d, want 400", w.Code)
	}
	ok := `{"deviceId":"dev-1","deviceName":"Kitchen","enabled":true,"autoShield":true,"shieldDuration":30}`
	if w := h.do(t, http.MethodPut, "/v1/rules/device", ok); w.Code != http.StatusOK {
		t.Errorf("valid device rule: got %d (%s)", w.Code, w.Body.String())
	}
}

func TestHistoryMergesSources(t *testing.T) {
	h := newHarness(t, true)
	h.platform.SetRecentPlays([]model.TrackPlayRecord{{ID: "b", Timestamp: 90}})
	if err := h.remote.UpsertHistory(context.Background(), h.d.profileID, []model.TrackPlayRecord{{ID: "a", Timestamp: 200}}); err != nil {
		t.Fatal(err)
	}

	w := h.do(t, http.MethodGet, "/v1/history", "")
	if w.Code != http.StatusOK {
		t.Fatalf("history: got %d", w.Code)
	}
	var body struct {
		Entries []struct {
			ID        string `json:"id"`
			Timestamp int64  `json:"timestamp"`
			Shielded  bool   `json:"shielded"`
		} `json:"entries"`
	}
	decode(t, w, &body)
	if len(body.Entries) != 2 || body.Entries[0].ID != "a" || body.Entries[1].ID != "b" {
		t.Errorf("entries: %+v", body.Entries)
	}
}

func TestHistoryRevokedIsBadGateway(t *testing.T) {
	h := newHarness(t, false)
	h.platform.SetError("FetchRecentPlays", &platform.ErrCredentialRevoked{Msg: "invalid_grant"})

	if w := h.do(t, http.MethodGet, "/v1/history", ""); w.Code != http.StatusBadGateway {
		t.Errorf("revoked: got %d, want 502", w.Code)
	}
	select {
	case <-h.d.revoked:
	default:
		t.Error("revoked credential should trigger logout")
	}
}

func TestDevices(t *testing.T) {
	h := newHarness(t, false)
	h.platform.SetDevices([]platform.Device{{ID: "dev-1", Name: "Kitchen", Type: "Speaker", IsActive: true}})

	w := h.do(t, http.MethodGet, "/v1/devices", "")
	if w.Code != http.StatusOK {
		t.Fatalf("devices: got %d", w.Code)
	}
	var body struct {
		Devices []platform.Device `json:"devices"`
	}
	decode(t, w, &body)
	if len(body.Devices) != 1 || body.Devices[0].ID != "dev-1" || !body.Devices[0].IsActive {
		t.Errorf("devices: %+v", body.Devices)
	}

	h.platform.SetError("FetchAvailableDevices", errors.New("HTTP 503"))
	if w := h.do(t, http.MethodGet, "/v1/devices", ""); w.Code != http.StatusBadGateway {
		t.Errorf("upstream failure: got %d, want 502", w.Code)
	}
}

func TestSyncEndpoint(t *testing.T) {
	local := newHarness(t, false)
	if w := local.do(t, http.MethodPost, "/v1/sync", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("no remote: got %d, want 503", w.Code)
	}

	h := newHarness(t, true)
	w := h.do(t, http.MethodPost, "/v1/sync", "")
	if w.Code != http.StatusOK {
		t.Fatalf("sync: got %d (%s)", w.Code, w.Body.String())
	}
	var body struct {
		Sync model.SyncState `json:"sync"`
	}
	decode(t, w, &body)
	if body.Sync.LastSyncAt == 0 || body.Sync.IsSyncing {
		t.Errorf("sync state: %+v", body.Sync)
	}

	h.remote.SetError("FetchSessions", errors.New("database is locked"))
	if w := h.do(t, http.MethodPost, "/v1/sync", ""); w.Code != http.StatusBadGateway {
		t.Errorf("remote failure: got %d, want 502", w.Code)
	}
}

func TestReleaseExclusion(t *testing.T) {
	h := newHarness(t, false)
	h.d.tracker.Toggle()
	if _, err := h.d.protector.ProcessCurrentTrack(context.Background(), model.TrackPlayRecord{ID: "t1"}); err != nil {
		t.Fatal(err)
	}
	id := h.d.protector.State().ResourceID

	if w := h.do(t, http.MethodDelete, "/v1/exclusions/t1", ""); w.Code != http.StatusNoContent {
		t.Fatalf("release: got %d (%s)", w.Code, w.Body.String())
	}
	if items := h.platform.Items(id); len(items) != 0 {
		t.Errorf("track should be removed, items=%v", items)
	}

	h.platform.SetError("RemoveItemFromResource", errors.New("HTTP 500"))
	if w := h.do(t, http.MethodDelete, "/v1/exclusions/t2", ""); w.Code != http.StatusBadGateway {
		t.Errorf("upstream failure: got %d, want 502", w.Code)
	}
}
