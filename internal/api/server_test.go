package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mikeyg42/toolalign/internal/calibration"
	"github.com/mikeyg42/toolalign/internal/engine"
	"github.com/mikeyg42/toolalign/internal/events"
	"github.com/mikeyg42/toolalign/internal/export"
	"github.com/mikeyg42/toolalign/internal/frame"
	"github.com/mikeyg42/toolalign/internal/locator"
	"github.com/mikeyg42/toolalign/internal/machine"
	"github.com/mikeyg42/toolalign/internal/store"
	"github.com/mikeyg42/toolalign/internal/vision"
)

type fakeEngine struct {
	mu       sync.Mutex
	mode     engine.Mode
	startErr error
	cp       *machine.Coordinates
	pos      machine.Coordinates
	results  calibration.ResultsList
	started  []int
	cycles   int
	stopped  int
	applied  bool
}

func (f *fakeEngine) Status() engine.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return engine.Status{Mode: f.mode, ControlPoint: f.cp, Results: f.results.Len()}
}

func (f *fakeEngine) StartCalibration(tools []int, cycles int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started, f.cycles = tools, cycles
	f.mode = engine.ModeCalibrating
	return nil
}

func (f *fakeEngine) StartAutoCP() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mode == engine.ModeCalibrating {
		return engine.ErrBusy
	}
	f.mode = engine.ModeAutoCP
	return nil
}

func (f *fakeEngine) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	f.mode = engine.ModeIdle
}

func (f *fakeEngine) StartDetection() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mode == engine.ModeCalibrating {
		return engine.ErrBusy
	}
	f.mode = engine.ModeFreeDetect
	return nil
}

func (f *fakeEngine) StopDetection() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = engine.ModeIdle
	return nil
}

func (f *fakeEngine) ControlPoint() *machine.Coordinates {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cp
}

func (f *fakeEngine) CaptureControlPoint(ctx context.Context) (machine.Coordinates, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := f.pos
	f.cp = &cp
	return cp, nil
}

func (f *fakeEngine) CaptureOffset(ctx context.Context, tool int) (calibration.ToolOffsetResult, error) {
	if f.ControlPoint() == nil {
		return calibration.ToolOffsetResult{}, calibration.ErrNoControlPoint
	}
	return calibration.ToolOffsetResult{Tool: tool, X: 0.5, Y: -0.25}, nil
}

func (f *fakeEngine) ApplyResults(ctx context.Context, save bool) ([]calibration.ToolOffsetResult, error) {
	latest := f.results.Latest()
	if len(latest) == 0 {
		return nil, calibration.ErrNoResults
	}
	f.mu.Lock()
	f.applied = true
	f.mu.Unlock()
	return latest, nil
}

func (f *fakeEngine) Results() *calibration.ResultsList {
	return &f.results
}

type fakeDetection struct {
	mu       sync.Mutex
	settings locator.Settings
}

func (d *fakeDetection) Settings() locator.Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

func (d *fakeDetection) SetPreset(name string) error {
	p, err := vision.Preset(name)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.settings.Preset = p.Name
	d.mu.Unlock()
	return nil
}

func (d *fakeDetection) SetAlgorithm(name string) error {
	a, err := vision.ParseAlgorithm(name)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.settings.Algorithm = a
	d.mu.Unlock()
	return nil
}

func (d *fakeDetection) SetXRay(on bool) {
	d.mu.Lock()
	d.settings.XRay = on
	d.mu.Unlock()
}

func (d *fakeDetection) SetCrosshair(on bool) {
	d.mu.Lock()
	d.settings.Crosshair = on
	d.mu.Unlock()
}

type fakeCamera struct {
	props    frame.Properties
	defaults frame.Properties
	offline  bool
}

func (c *fakeCamera) GetProperties() (frame.Properties, error) {
	if c.offline {
		return frame.Properties{}, frame.ErrNoSignal
	}
	return c.props, nil
}

func (c *fakeCamera) SetProperties(p frame.Properties) error {
	if c.offline {
		return frame.ErrNoSignal
	}
	c.props = p
	return nil
}

func (c *fakeCamera) ResetProperties() error {
	return c.SetProperties(c.defaults)
}

type fakeArchive struct {
	err  error
	keys []string
}

func (a *fakeArchive) UploadFile(ctx context.Context, file string) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	key := export.ObjectKey(file)
	a.keys = append(a.keys, key)
	return key, nil
}

type testServer struct {
	server    *Server
	engine    *fakeEngine
	detection *fakeDetection
	camera    *fakeCamera
	bus       *events.Bus
	exporter  *Exporter
}

func newTestServer(t *testing.T, modify func(*Deps)) *testServer {
	t.Helper()
	ts := &testServer{
		engine: &fakeEngine{pos: machine.Coordinates{X: 150, Y: 100, Z: 5}},
		detection: &fakeDetection{settings: locator.Settings{
			Preset: "standard", Algorithm: vision.AlgorithmAdaptive, Crosshair: true,
		}},
		camera: &fakeCamera{
			props:    frame.Properties{Brightness: 40, Contrast: 30},
			defaults: frame.Properties{Brightness: 50, Contrast: 50},
		},
		bus: events.NewBus(50),
	}
	ts.exporter = &Exporter{
		Dir:     t.TempDir(),
		Printer: "jubilee",
		now:     func() time.Time { return time.Date(2024, 5, 17, 9, 30, 5, 0, time.UTC) },
	}
	deps := Deps{
		Engine:    ts.engine,
		Detection: ts.detection,
		Camera:    ts.camera,
		Bus:       ts.bus,
		Exporter:  ts.exporter,
	}
	if modify != nil {
		modify(&deps)
	}
	ts.server = NewServer(ServerConfig{
		ListenAddr:  "localhost:0",
		CORSOrigins: []string{"http://localhost:3000"},
	}, deps)
	t.Cleanup(ts.server.limiter.Close)
	return ts
}

// do sends a request and decodes a JSON object response.
func (ts *testServer) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)

	out := map[string]any{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code, out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	code, body := ts.do(t, http.MethodGet, "/api/health", "")
	if code != http.StatusOK || body["status"] != "ok" || body["mode"] != "idle" {
		t.Fatalf("health = %d %v", code, body)
	}

	ts = newTestServer(t, func(d *Deps) {
		d.Health = func(context.Context) error { return errors.New("database is locked") }
	})
	code, body = ts.do(t, http.MethodGet, "/api/health", "")
	if code != http.StatusServiceUnavailable || body["status"] != "degraded" || body["error"] != "database is locked" {
		t.Fatalf("degraded health = %d %v", code, body)
	}
}

func TestStartCalibration(t *testing.T) {
	testCases := []struct {
		name     string
		method   string
		body     string
		startErr error
		wantCode int
	}{
		{name: "accepted", method: http.MethodPost, body: `{"tools":[0,1],"cycles":3}`, wantCode: http.StatusAccepted},
		{name: "busy", method: http.MethodPost, body: `{"tools":[0]}`, startErr: engine.ErrBusy, wantCode: http.StatusConflict},
		{name: "invalid", method: http.MethodPost, body: `{"tools":[]}`, startErr: fmt.Errorf("%w: no tools", engine.ErrInvalidRequest), wantCode: http.StatusBadRequest},
		{name: "no control point", method: http.MethodPost, body: `{"tools":[0]}`, startErr: calibration.ErrNoControlPoint, wantCode: http.StatusPreconditionFailed},
		{name: "not homed", method: http.MethodPost, body: `{"tools":[0]}`, startErr: machine.ErrNotHomed, wantCode: http.StatusPreconditionFailed},
		{name: "malformed body", method: http.MethodPost, body: `{"tools":`, wantCode: http.StatusBadRequest},
		{name: "unknown field", method: http.MethodPost, body: `{"tools":[0],"speed":1}`, wantCode: http.StatusBadRequest},
		{name: "wrong method", method: http.MethodGet, wantCode: http.StatusMethodNotAllowed},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			ts.engine.startErr = tc.startErr
			code, body := ts.do(t, tc.method, "/api/calibration/start", tc.body)
			if code != tc.wantCode {
				t.Fatalf("code = %d, want %d (%v)", code, tc.wantCode, body)
			}
			if code == http.StatusAccepted {
				if len(ts.engine.started) != 2 || ts.engine.cycles != 3 {
					t.Fatalf("engine started tools %v cycles %d", ts.engine.started, ts.engine.cycles)
				}
				if body["success"] != true {
					t.Fatalf("body = %v", body)
				}
			} else if tc.startErr != nil && body["success"] != false {
				t.Fatalf("error body = %v", body)
			}
		})
	}
}

func TestStartCalibrationDefaultsToOneCycle(t *testing.T) {
	ts := newTestServer(t, nil)
	if code, body := ts.do(t, http.MethodPost, "/api/calibration/start", `{"tools":[2]}`); code != http.StatusAccepted {
		t.Fatalf("code = %d (%v)", code, body)
	}
	if ts.engine.cycles != 1 {
		t.Fatalf("cycles = %d, want 1", ts.engine.cycles)
	}
}

func TestStopAndStatus(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodPost, "/api/calibration/start", `{"tools":[0]}`)

	code, body := ts.do(t, http.MethodGet, "/api/calibration/status", "")
	if code != http.StatusOK || body["mode"] != "calibrating" {
		t.Fatalf("status = %d %v", code, body)
	}
	if code, _ := ts.do(t, http.MethodPost, "/api/calibration/stop", ""); code != http.StatusOK {
		t.Fatalf("stop = %d", code)
	}
	if ts.engine.stopped != 1 {
		t.Fatalf("Stop called %d times", ts.engine.stopped)
	}
	_, body = ts.do(t, http.MethodGet, "/api/calibration/status", "")
	if body["mode"] != "idle" {
		t.Fatalf("mode after stop = %v", body["mode"])
	}
}

func TestResultsAndStats(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, r := range []calibration.ToolOffsetResult{
		{Tool: 0, Cycle: 1, X: 0.1, Y: 0.2},
		{Tool: 1, Cycle: 1, X: 1.0, Y: 2.0},
		{Tool: 0, Cycle: 2, X: 0.3, Y: 0.2},
	} {
		ts.engine.results.Append(r)
	}

	code, body := ts.do(t, http.MethodGet, "/api/calibration/results", "")
	if code != http.StatusOK {
		t.Fatalf("results = %d", code)
	}
	if results := body["results"].([]any); len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}

	_, body = ts.do(t, http.MethodGet, "/api/calibration/stats", "")
	tools := body["tools"].([]any)
	if len(tools) != 2 {
		t.Fatalf("stats for %d tools, want 2", len(tools))
	}
	first := tools[0].(map[string]any)
	if first["tool"] != 0.0 || first["cycles"] != 2.0 {
		t.Fatalf("tool 0 stats = %v", first)
	}
	if avg := first["X"].(map[string]any)["avg"].(float64); avg < 0.1999 || avg > 0.2001 {
		t.Fatalf("tool 0 X avg = %v", avg)
	}

	ts.engine.mode = engine.ModeCalibrating
	if code, _ := ts.do(t, http.MethodDelete, "/api/calibration/results", ""); code != http.StatusConflict {
		t.Fatalf("delete while calibrating = %d", code)
	}
	ts.engine.mode = engine.ModeIdle
	if code, _ := ts.do(t, http.MethodDelete, "/api/calibration/results", ""); code != http.StatusOK {
		t.Fatalf("delete = %d", code)
	}
	if ts.engine.results.Len() != 0 {
		t.Fatalf("%d results left", ts.engine.results.Len())
	}
}

func TestApply(t *testing.T) {
	ts := newTestServer(t, nil)
	if code, _ := ts.do(t, http.MethodPost, "/api/calibration/apply", `{"save":true}`); code != http.StatusPreconditionFailed {
		t.Fatalf("apply with no results = %d", code)
	}

	ts.engine.results.Append(calibration.ToolOffsetResult{Tool: 1, Cycle: 1, X: 1, Y: 2})
	code, body := ts.do(t, http.MethodPost, "/api/calibration/apply", `{"save":true}`)
	if code != http.StatusOK || body["saved"] != true || !ts.engine.applied {
		t.Fatalf("apply = %d %v", code, body)
	}
}

func TestExport(t *testing.T) {
	testCases := []struct {
		name        string
		archive     *fakeArchive
		wantKey     string
		wantArchErr bool
	}{
		{name: "local only"},
		{name: "archived", archive: &fakeArchive{}, wantKey: "exports/output-2024-05-17_09-30-05.json"},
		{name: "archive down", archive: &fakeArchive{err: errors.New("connection refused")}, wantArchErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			if tc.archive != nil {
				ts.exporter.Archive = tc.archive
			}
			ts.engine.results.Append(calibration.ToolOffsetResult{Tool: 0, Cycle: 1, MPP: 0.012, X: 0.5, Y: 0.25, Elapsed: 9})

			code, body := ts.do(t, http.MethodPost, "/api/calibration/export", "")
			if code != http.StatusOK {
				t.Fatalf("export = %d %v", code, body)
			}
			res := body["export"].(map[string]any)
			if res["records"] != 1.0 {
				t.Fatalf("records = %v", res["records"])
			}
			if key, _ := res["object_key"].(string); key != tc.wantKey {
				t.Fatalf("object key = %q, want %q", key, tc.wantKey)
			}
			if _, has := res["archive_error"]; has != tc.wantArchErr {
				t.Fatalf("archive_error present = %v, want %v", has, tc.wantArchErr)
			}

			doc, err := export.ReadFile(res["path"].(string))
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}
			if len(doc.Results) != 1 || doc.Marker.Printer != "jubilee" || doc.Marker.Datetime != "2024-05-17 09:30:05" {
				t.Fatalf("exported doc = %+v", doc)
			}
		})
	}
}

func TestExportNotConfigured(t *testing.T) {
	ts := newTestServer(t, func(d *Deps) { d.Exporter = nil })
	if code, _ := ts.do(t, http.MethodPost, "/api/calibration/export", ""); code != http.StatusNotImplemented {
		t.Fatalf("export = %d", code)
	}
}

func TestControlPointRoutes(t *testing.T) {
	ts := newTestServer(t, nil)

	if code, _ := ts.do(t, http.MethodGet, "/api/controlpoint", ""); code != http.StatusNotFound {
		t.Fatalf("unset control point = %d", code)
	}
	if code, _ := ts.do(t, http.MethodPost, "/api/calibration/offset", `{"tool":1}`); code != http.StatusPreconditionFailed {
		t.Fatalf("offset without control point = %d", code)
	}

	code, body := ts.do(t, http.MethodPost, "/api/controlpoint/capture", "")
	if code != http.StatusOK {
		t.Fatalf("capture = %d %v", code, body)
	}
	_, body = ts.do(t, http.MethodGet, "/api/controlpoint", "")
	cp := body["control_point"].(map[string]any)
	if cp["X"] != 150.0 || cp["Y"] != 100.0 || cp["Z"] != 5.0 {
		t.Fatalf("control point = %v", cp)
	}

	code, body = ts.do(t, http.MethodPost, "/api/calibration/offset", `{"tool":1}`)
	if code != http.StatusOK || body["result"].(map[string]any)["X"] != 0.5 {
		t.Fatalf("offset = %d %v", code, body)
	}
	if code, _ := ts.do(t, http.MethodPost, "/api/calibration/offset", `{}`); code != http.StatusBadRequest {
		t.Fatalf("offset without tool = %d", code)
	}

	if code, _ := ts.do(t, http.MethodPost, "/api/controlpoint/auto", ""); code != http.StatusAccepted {
		t.Fatalf("auto = %d", code)
	}
	if ts.engine.mode != engine.ModeAutoCP {
		t.Fatalf("mode = %v", ts.engine.mode)
	}
}

func TestDetectionRoutes(t *testing.T) {
	ts := newTestServer(t, nil)

	if code, _ := ts.do(t, http.MethodPost, "/api/detection/start", ""); code != http.StatusOK || ts.engine.mode != engine.ModeFreeDetect {
		t.Fatalf("start = %d mode %v", code, ts.engine.mode)
	}
	if code, _ := ts.do(t, http.MethodPost, "/api/detection/stop", ""); code != http.StatusOK || ts.engine.mode != engine.ModeIdle {
		t.Fatalf("stop = %d mode %v", code, ts.engine.mode)
	}

	ts.engine.mode = engine.ModeCalibrating
	if code, _ := ts.do(t, http.MethodPost, "/api/detection/start", ""); code != http.StatusConflict {
		t.Fatalf("start while calibrating = %d", code)
	}
}

func TestDetectionSettings(t *testing.T) {
	ts := newTestServer(t, nil)

	code, body := ts.do(t, http.MethodPost, "/api/detection/settings", `{"preset":"relaxed","xray":true}`)
	if code != http.StatusOK {
		t.Fatalf("settings = %d %v", code, body)
	}
	got := ts.detection.Settings()
	if got.Preset != "relaxed" || !got.XRay || got.Algorithm != vision.AlgorithmAdaptive || !got.Crosshair {
		t.Fatalf("settings = %+v", got)
	}

	// A bad algorithm must not leave the preset half-applied
	code, _ = ts.do(t, http.MethodPost, "/api/detection/settings", `{"preset":"standard","algorithm":"otsu"}`)
	if code != http.StatusBadRequest {
		t.Fatalf("bad algorithm = %d", code)
	}
	if got := ts.detection.Settings(); got.Preset != "relaxed" {
		t.Fatalf("preset changed to %q by a rejected request", got.Preset)
	}

	_, body = ts.do(t, http.MethodGet, "/api/detection/settings", "")
	if body["preset"] != "relaxed" || body["xray"] != true {
		t.Fatalf("GET settings = %v", body)
	}
}

func TestCameraProperties(t *testing.T) {
	ts := newTestServer(t, nil)

	code, body := ts.do(t, http.MethodPost, "/api/camera/properties", `{"brightness":70,"contrast":20,"saturation":10,"hue":0}`)
	if code != http.StatusOK {
		t.Fatalf("set = %d %v", code, body)
	}
	if ts.camera.props.Brightness != 70 || ts.camera.props.Contrast != 20 {
		t.Fatalf("props = %+v", ts.camera.props)
	}

	_, body = ts.do(t, http.MethodPost, "/api/camera/properties", `{"reset":true}`)
	if props := body["properties"].(map[string]any); props["brightness"] != 50.0 {
		t.Fatalf("after reset = %v", props)
	}

	ts.camera.offline = true
	if code, _ := ts.do(t, http.MethodGet, "/api/camera/properties", ""); code != http.StatusServiceUnavailable {
		t.Fatalf("offline camera = %d", code)
	}

	ts = newTestServer(t, func(d *Deps) { d.Camera = nil })
	if code, _ := ts.do(t, http.MethodGet, "/api/camera/properties", ""); code != http.StatusNotImplemented {
		t.Fatalf("no camera = %d", code)
	}
}

func TestHistoryRoutes(t *testing.T) {
	db, err := store.Open(context.Background(), store.Config{Driver: "sqlite3", DSN: ":memory:", MaxConnections: 1})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	id := uuid.New()
	if err := db.BeginSession(ctx, id, []int{0, 1}, 1); err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	for _, tool := range []int{0, 1} {
		if err := db.RecordResult(ctx, id, calibration.ToolOffsetResult{Tool: tool, Cycle: 1, X: float64(tool)}); err != nil {
			t.Fatalf("RecordResult: %v", err)
		}
	}
	if err := db.EndSession(ctx, id, nil); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	ts := newTestServer(t, func(d *Deps) { d.History = db })

	code, body := ts.do(t, http.MethodGet, "/api/history", "")
	if code != http.StatusOK || len(body["sessions"].([]any)) != 1 {
		t.Fatalf("history = %d %v", code, body)
	}
	if code, _ := ts.do(t, http.MethodGet, "/api/history?limit=0", ""); code != http.StatusBadRequest {
		t.Fatalf("limit=0 = %d", code)
	}

	code, body = ts.do(t, http.MethodGet, "/api/history/"+id.String(), "")
	if code != http.StatusOK || len(body["results"].([]any)) != 2 {
		t.Fatalf("session = %d %v", code, body)
	}
	if body["session"].(map[string]any)["status"] != store.StatusCompleted {
		t.Fatalf("session = %v", body["session"])
	}

	_, body = ts.do(t, http.MethodGet, "/api/history/tools/1", "")
	if results := body["results"].([]any); len(results) != 1 {
		t.Fatalf("tool history = %v", body)
	}
	if code, _ := ts.do(t, http.MethodGet, "/api/history/tools/x", ""); code != http.StatusBadRequest {
		t.Fatalf("bad tool = %d", code)
	}

	if code, _ := ts.do(t, http.MethodDelete, "/api/history/"+id.String(), ""); code != http.StatusOK {
		t.Fatalf("delete = %d", code)
	}
	if code, _ := ts.do(t, http.MethodGet, "/api/history/"+id.String(), ""); code != http.StatusNotFound {
		t.Fatalf("deleted session = %d", code)
	}
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, nil)
	testCases := []struct {
		name   string
		origin string
		want   string
	}{
		{name: "allowed", origin: "http://localhost:3000", want: "http://localhost:3000"},
		{name: "foreign", origin: "http://evil.example", want: ""},
		{name: "none", origin: "", want: ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/api/calibration/start", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			rec := httptest.NewRecorder()
			ts.server.Handler().ServeHTTP(rec, req)
			if rec.Code != http.StatusNoContent {
				t.Fatalf("preflight = %d", rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.want {
				t.Fatalf("allow origin = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Close()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d denied", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("third request allowed")
	}
	if !rl.Allow("10.0.0.2") {
		t.Fatal("other client denied")
	}

	now = now.Add(time.Minute)
	if !rl.Allow("10.0.0.1") {
		t.Fatal("request denied after the window")
	}

	handler := rl.Wrap(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	req := httptest.NewRequest(http.MethodPost, "/api/calibration/start", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	handler(httptest.NewRecorder(), req)
	rec := httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("over limit = %d retry %q", rec.Code, rec.Header().Get("Retry-After"))
	}
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.bus.Publish(events.Status("Ready"))

	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// Replayed history comes first
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var replayed events.Event
	if kind != websocket.TextMessage || json.Unmarshal(data, &replayed) != nil || replayed.Message != "Ready" {
		t.Fatalf("replayed %d %s", kind, data)
	}

	deadline := time.Now().Add(5 * time.Second)
	for ts.bus.GetStats().Subscribers == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ts.bus.Publish(events.WithData(events.TypeResult, "tool 0", calibration.ToolOffsetResult{Tool: 0, X: 1.5}))
	ts.bus.Publish(events.Frame([]byte{0xff, 0xd8, 0xff, 0xd9}))

	kind, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var e map[string]any
	if kind != websocket.TextMessage || json.Unmarshal(data, &e) != nil {
		t.Fatalf("event message %d %s", kind, data)
	}
	if e["type"] != "result" || e["data"].(map[string]any)["X"] != 1.5 {
		t.Fatalf("event = %v", e)
	}

	kind, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if kind != websocket.BinaryMessage || !bytes.Equal(data, []byte{0xff, 0xd8, 0xff, 0xd9}) {
		t.Fatalf("frame message %d % x", kind, data)
	}
}

func TestEventStreamRejectsForeignOrigin(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	if err == nil {
		t.Fatal("foreign origin accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("response = %v", resp)
	}
}
