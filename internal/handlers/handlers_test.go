package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/dmplugins/plugin-manager/internal/catalog"
	"github.com/dmplugins/plugin-manager/internal/deploy"
	"github.com/dmplugins/plugin-manager/internal/devicemon"
	"github.com/dmplugins/plugin-manager/internal/download"
	"github.com/dmplugins/plugin-manager/internal/events"
	"github.com/dmplugins/plugin-manager/internal/logging"
	"github.com/dmplugins/plugin-manager/internal/manager"
	"github.com/dmplugins/plugin-manager/internal/sshsession"
)

func newChiRequest(method, path string, body []byte) *http.Request {
	r := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	rctx := chi.NewRouteContext()
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// setupHandlers wires an offline device and an unreachable release host.
func setupHandlers(t *testing.T) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	broker := events.NewBroker()
	dep := deploy.New(download.NewFetcher(5*time.Second), "http://127.0.0.1:1", t.TempDir(), broker)
	dep.GOOS = "linux"
	m := manager.New(catalog.Default(), dep, manager.SessionDialer(sshsession.Endpoint{
		Host: "127.0.0.1", Port: port, User: "root", Password: "mod", ConnectTimeout: time.Second,
	}), 2)
	m.GOOS = "linux"
	m.Home = t.TempDir()

	Plugins, Events, Monitor = m, broker, devicemon.New(m.Dial, "")
	t.Cleanup(func() { Plugins, Events, Monitor = nil, nil, nil })
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	setupHandlers(t)
	w := httptest.NewRecorder()
	HealthCheck(w, newChiRequest("GET", "/health", nil))

	var body map[string]string
	decodeBody(t, w, &body)
	if w.Code != http.StatusOK || body["status"] != "healthy" || body["device"] != "unknown" {
		t.Errorf("health = %d %v", w.Code, body)
	}
}

func TestListInstallable(t *testing.T) {
	setupHandlers(t)
	w := httptest.NewRecorder()
	ListInstallable(w, newChiRequest("GET", "/api/v1/plugins/installable?formats=CLAP,mod&platform=Duo", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var list struct {
		VST3           []string
		CLAP           []string
		ModAudio       map[string][]string `json:"MOD Audio"`
		ModIsConnected bool                `json:"modIsConnected"`
	}
	decodeBody(t, w, &list)
	if len(list.VST3) != 0 {
		t.Errorf("VST3 = %v, want empty", list.VST3)
	}
	if !reflect.DeepEqual(list.CLAP, []string{"dm-Stutter", "dm-Whammy"}) {
		t.Errorf("CLAP = %v", list.CLAP)
	}
	if !reflect.DeepEqual(list.ModAudio, map[string][]string{"Duo": {"dm-LFO"}}) {
		t.Errorf("MOD Audio = %v", list.ModAudio)
	}
}

func TestListInstallable_BadQuery(t *testing.T) {
	setupHandlers(t)
	for _, q := range []string{"formats=AAX", "platform=dwarf"} {
		w := httptest.NewRecorder()
		ListInstallable(w, newChiRequest("GET", "/api/v1/plugins/installable?"+q, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, w.Code)
		}
		var body map[string]string
		decodeBody(t, w, &body)
		if body["detail"] == "" {
			t.Errorf("%s: missing detail", q)
		}
	}
}

func TestListInstalled_CustomFolder(t *testing.T) {
	setupHandlers(t)
	vst3 := t.TempDir()
	os.MkdirAll(filepath.Join(vst3, "dm-Whammy.vst3"), 0o755)

	w := httptest.NewRecorder()
	ListInstalled(w, newChiRequest("GET", "/api/v1/plugins/installed?formats=VST3&vst3_folder="+vst3, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var list manager.PluginList
	decodeBody(t, w, &list)
	if !reflect.DeepEqual(list.VST3, []string{"dm-Whammy"}) {
		t.Errorf("VST3 = %v", list.VST3)
	}
}

func TestInstallPlugins_BadInput(t *testing.T) {
	setupHandlers(t)
	cases := map[string]string{
		"invalid json":     `{"plugins":`,
		"empty selection":  `{"plugins":{}}`,
		"missing platform": `{"plugins":{"MOD Audio":["dm-LFO"]}}`,
		"unknown format":   `{"plugins":{"AU":["dm-LFO"]}}`,
		"unknown field":    `{"plugin":{"VST3":["dm-LFO"]}}`,
		"unsafe name":      `{"plugins":{"VST3":["../etc"]},"folders":{"VST3":"/tmp/x"}}`,
	}
	for name, body := range cases {
		w := httptest.NewRecorder()
		InstallPlugins(w, newChiRequest("POST", "/api/v1/plugins/install", []byte(body)))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d: %s", name, w.Code, w.Body.String())
		}
	}
}

func TestInstallPlugins_DownloadFailure(t *testing.T) {
	setupHandlers(t)
	body := `{"plugins":{"VST3":["dm-Stutter"]},"folders":{"VST3":"` + t.TempDir() + `"}}`
	w := httptest.NewRecorder()
	InstallPlugins(w, newChiRequest("POST", "/api/v1/plugins/install", []byte(body)))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	decodeBody(t, w, &resp)
	if !strings.Contains(resp["detail"], "dm-Stutter") {
		t.Errorf("detail should name the plugin: %q", resp["detail"])
	}

	recent := Events.Recent(0)
	if len(recent) != 2 || recent[1].Type != events.Failed {
		t.Errorf("events = %+v", recent)
	}
}

func TestUninstallPlugins(t *testing.T) {
	setupHandlers(t)
	clap := t.TempDir()
	os.MkdirAll(filepath.Join(clap, "dm-Stutter.clap"), 0o755)

	body := `{"plugins":{"CLAP":["dm-Stutter"]},"folders":{"CLAP":"` + clap + `"}}`
	w := httptest.NewRecorder()
	UninstallPlugins(w, newChiRequest("POST", "/api/v1/plugins/uninstall", []byte(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if strings.TrimSpace(w.Body.String()) != "{}" {
		t.Errorf("body = %s, want {}", w.Body.String())
	}
	if _, err := os.Stat(filepath.Join(clap, "dm-Stutter.clap")); !os.IsNotExist(err) {
		t.Error("bundle still present")
	}
}

func TestGetDeviceStatus(t *testing.T) {
	setupHandlers(t)

	w := httptest.NewRecorder()
	GetDeviceStatus(w, newChiRequest("GET", "/api/v1/device/status?refresh=true", nil))
	var st devicemon.Status
	decodeBody(t, w, &st)
	if w.Code != http.StatusOK || st.Connected || st.Error == "" {
		t.Errorf("refresh = %d %+v", w.Code, st)
	}

	w = httptest.NewRecorder()
	GetDeviceStatus(w, newChiRequest("GET", "/api/v1/device/status", nil))
	var cached devicemon.Status
	decodeBody(t, w, &cached)
	if cached.CheckedAt.IsZero() || cached.Connected {
		t.Errorf("cached = %+v", cached)
	}

	Monitor = nil
	w = httptest.NewRecorder()
	GetDeviceStatus(w, newChiRequest("GET", "/api/v1/device/status", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without monitor, got %d", w.Code)
	}
}

func TestListEvents(t *testing.T) {
	setupHandlers(t)
	Events.Publish(events.Event{TaskID: "1", Operation: "install", Plugin: "dm-LFO", Type: events.Started})
	Events.Publish(events.Event{TaskID: "1", Operation: "install", Plugin: "dm-LFO", Type: events.Finished})

	w := httptest.NewRecorder()
	ListEvents(w, newChiRequest("GET", "/api/v1/events?limit=1", nil))
	var body map[string][]events.Event
	decodeBody(t, w, &body)
	if len(body["events"]) != 1 || body["events"][0].Type != events.Finished {
		t.Errorf("events = %+v", body["events"])
	}

	w = httptest.NewRecorder()
	ListEvents(w, newChiRequest("GET", "/api/v1/events?limit=x", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestStreamEvents(t *testing.T) {
	setupHandlers(t)
	Events.Publish(events.Event{TaskID: "old", Type: events.Started, Plugin: "dm-LFO"})

	srv := httptest.NewServer(http.HandlerFunc(StreamEvents))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	read := func() events.Event {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var e events.Event
		if err := json.Unmarshal(data, &e); err != nil {
			t.Fatal(err)
		}
		return e
	}

	if e := read(); e.TaskID != "old" {
		t.Errorf("backlog event = %+v", e)
	}
	Events.Publish(events.Event{TaskID: "new", Type: events.Finished, Plugin: "dm-LFO"})
	if e := read(); e.TaskID != "new" {
		t.Errorf("live event = %+v", e)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestServerLogs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugman.log")
	if err := logging.Open(path, io.Discard); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { logging.Close() })
	log.Printf("[manager] install 1 VST3 plugin(s)")

	w := httptest.NewRecorder()
	GetServerLogs(w, newChiRequest("GET", "/api/v1/logs?lines=5", nil))
	var body map[string]string
	decodeBody(t, w, &body)
	if !strings.Contains(body["logs"], "install 1 VST3") {
		t.Errorf("logs = %q", body["logs"])
	}

	w = httptest.NewRecorder()
	GetServerLogs(w, newChiRequest("GET", "/api/v1/logs?lines=-1", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	ClearServerLogs(w, newChiRequest("DELETE", "/api/v1/logs", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if data, _ := os.ReadFile(path); len(data) != 0 {
		t.Errorf("log file not cleared: %q", data)
	}
}

func TestInstallPlugins_FailureKeepsConnectivity(t *testing.T) {
	setupHandlers(t)
	body := `{"plugins":{"VST3":["dm-Stutter"],"MOD Audio":["dm-LFO"]},` +
		`"folders":{"VST3":"` + t.TempDir() + `"},"platform":"Dwarf"}`
	w := httptest.NewRecorder()
	InstallPlugins(w, newChiRequest("POST", "/api/v1/plugins/install", []byte(body)))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Detail         string `json:"detail"`
		ModIsConnected *bool  `json:"modIsConnected"`
	}
	decodeBody(t, w, &resp)
	if !strings.Contains(resp.Detail, "dm-Stutter") {
		t.Errorf("detail = %q", resp.Detail)
	}
	if resp.ModIsConnected == nil || *resp.ModIsConnected {
		t.Errorf("modIsConnected = %v, want false", resp.ModIsConnected)
	}
}
