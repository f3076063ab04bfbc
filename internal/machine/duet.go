package machine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Status letters reported by rr_status.
const (
	StatusIdle         = "I"
	StatusBusy         = "B"
	StatusPrinting     = "P"
	StatusChangingTool = "T"
	StatusPaused       = "A"
	StatusHalted       = "H"
)

// DuetConfig contains RepRapFirmware HTTP client settings
type DuetConfig struct {
	BaseURL        string
	Password       string
	RequestTimeout time.Duration

	// Retry settings
	MaxRetries   int
	RetryBackoff time.Duration
}

// DuetClient implements Controller over the RepRapFirmware rr_* HTTP API.
type DuetClient struct {
	baseURL *url.URL
	config  DuetConfig
	http    *http.Client
	logger  *zap.Logger
}

// RequestError describes a failed controller request.
type RequestError struct {
	Op     string
	Status int
	Err    error
}

func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Op, e.Status, e.Err)
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

type duetStatus struct {
	Status string `json:"status"`
	Coords struct {
		AxesHomed []int     `json:"axesHomed"`
		XYZ       []float64 `json:"xyz"`
	} `json:"coords"`
	CurrentTool int `json:"currentTool"`
	Tools       []struct {
		Number  int       `json:"number"`
		Offsets []float64 `json:"offsets"`
	} `json:"tools"`
}

// NewDuetClient creates a client for the controller at config.BaseURL.
func NewDuetClient(config DuetConfig) (*DuetClient, error) {
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 5 * time.Second
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = 100 * time.Millisecond
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	u, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid controller URL %q: %w", config.BaseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid controller URL %q: scheme and host required", config.BaseURL)
	}

	return &DuetClient{
		baseURL: u,
		config:  config,
		http:    &http.Client{Timeout: config.RequestTimeout},
		logger:  zap.L().Named("duet"),
	}, nil
}

// Connect opens a session with the controller, sending the password when set.
func (d *DuetClient) Connect(ctx context.Context) error {
	q := url.Values{}
	q.Set("password", d.config.Password)
	body, err := d.get(ctx, "connect", "/rr_connect", q)
	if err != nil {
		return err
	}
	var resp struct {
		Err int `json:"err"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return &RequestError{Op: "connect", Err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.Err != 0 {
		return &RequestError{Op: "connect", Err: fmt.Errorf("controller rejected connection (err %d)", resp.Err)}
	}
	d.logger.Info("Connected to controller", zap.String("url", d.baseURL.String()))
	return nil
}

// SendGCode queues a G-code line and returns the controller's reply text.
func (d *DuetClient) SendGCode(ctx context.Context, code string) (string, error) {
	q := url.Values{}
	q.Set("gcode", code)
	// A repeated rr_gcode would run the line twice.
	if _, err := d.request(ctx, "gcode", "/rr_gcode", q, 0); err != nil {
		return "", err
	}
	reply, err := d.get(ctx, "reply", "/rr_reply", nil)
	if err != nil {
		return "", err
	}
	d.logger.Debug("G-code sent", zap.String("gcode", code), zap.String("reply", strings.TrimSpace(string(reply))))
	return strings.TrimSpace(string(reply)), nil
}

func (d *DuetClient) IsIdle(ctx context.Context) (bool, error) {
	st, err := d.status(ctx)
	if err != nil {
		return false, err
	}
	return st.Status == StatusIdle, nil
}

func (d *DuetClient) IsHomed(ctx context.Context) (bool, error) {
	st, err := d.status(ctx)
	if err != nil {
		return false, err
	}
	if len(st.Coords.AxesHomed) == 0 {
		return false, nil
	}
	for _, h := range st.Coords.AxesHomed {
		if h != 1 {
			return false, nil
		}
	}
	return true, nil
}

func (d *DuetClient) GetCoordinates(ctx context.Context) (Coordinates, error) {
	st, err := d.status(ctx)
	if err != nil {
		return Coordinates{}, err
	}
	if len(st.Coords.XYZ) < 3 {
		return Coordinates{}, &RequestError{Op: "status", Err: fmt.Errorf("expected 3 coordinates, got %d", len(st.Coords.XYZ))}
	}
	return Coordinates{X: st.Coords.XYZ[0], Y: st.Coords.XYZ[1], Z: st.Coords.XYZ[2]}, nil
}

func (d *DuetClient) MoveAbsolute(ctx context.Context, speed float64, axes Axes) error {
	if axes.Empty() {
		return nil
	}
	_, err := d.SendGCode(ctx, fmt.Sprintf("G90 G1 %s F%.0f", axes.words(), speed))
	return err
}

func (d *DuetClient) MoveRelative(ctx context.Context, speed float64, axes Axes) error {
	if axes.Empty() {
		return nil
	}
	_, err := d.SendGCode(ctx, fmt.Sprintf("G91 G1 %s F%.0f G90", axes.words(), speed))
	return err
}

func (d *DuetClient) LoadTool(ctx context.Context, index int) error {
	_, err := d.SendGCode(ctx, fmt.Sprintf("T%d", index))
	return err
}

func (d *DuetClient) UnloadTools(ctx context.Context) error {
	_, err := d.SendGCode(ctx, "T-1")
	return err
}

func (d *DuetClient) GetToolOffset(ctx context.Context, index int) (Coordinates, error) {
	st, err := d.status(ctx)
	if err != nil {
		return Coordinates{}, err
	}
	for _, tool := range st.Tools {
		if tool.Number != index {
			continue
		}
		var c Coordinates
		if len(tool.Offsets) > 0 {
			c.X = tool.Offsets[0]
		}
		if len(tool.Offsets) > 1 {
			c.Y = tool.Offsets[1]
		}
		if len(tool.Offsets) > 2 {
			c.Z = tool.Offsets[2]
		}
		return c, nil
	}
	return Coordinates{}, fmt.Errorf("tool %d is not configured on the controller", index)
}

func (d *DuetClient) SetToolOffsets(ctx context.Context, tool int, x, y float64) error {
	_, err := d.SendGCode(ctx, OffsetCommand(tool, x, y))
	return err
}

// SaveOffsets writes tool offsets to config-override.g (M500 P10).
func (d *DuetClient) SaveOffsets(ctx context.Context) error {
	_, err := d.SendGCode(ctx, "M500 P10")
	return err
}

// Tools lists configured tool numbers in controller order.
func (d *DuetClient) Tools(ctx context.Context) ([]int, error) {
	st, err := d.status(ctx)
	if err != nil {
		return nil, err
	}
	tools := make([]int, 0, len(st.Tools))
	for _, t := range st.Tools {
		tools = append(tools, t.Number)
	}
	return tools, nil
}

// CurrentTool returns the active tool, -1 when none is loaded.
func (d *DuetClient) CurrentTool(ctx context.Context) (int, error) {
	st, err := d.status(ctx)
	if err != nil {
		return -1, err
	}
	return st.CurrentTool, nil
}

func (d *DuetClient) status(ctx context.Context) (*duetStatus, error) {
	q := url.Values{}
	q.Set("type", "2")
	body, err := d.get(ctx, "status", "/rr_status", q)
	if err != nil {
		return nil, err
	}
	var st duetStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, &RequestError{Op: "status", Err: fmt.Errorf("decode response: %w", err)}
	}
	return &st, nil
}

// get performs a read-only GET with retries on transport errors and 5xx replies.
func (d *DuetClient) get(ctx context.Context, op, path string, query url.Values) ([]byte, error) {
	return d.request(ctx, op, path, query, d.config.MaxRetries)
}

func (d *DuetClient) request(ctx context.Context, op, path string, query url.Values, retries int) ([]byte, error) {
	u := *d.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		// RRF expects %20 rather than '+' inside G-code strings
		u.RawQuery = strings.ReplaceAll(query.Encode(), "+", "%20")
	}

	newBackoff := func() backoff.BackOff {
		ebo := backoff.NewExponentialBackOff()
		ebo.InitialInterval = d.config.RetryBackoff
		ebo.MaxElapsedTime = 0
		ebo.Reset()
		return backoff.WithMaxRetries(ebo, uint64(retries))
	}

	var body []byte
	attempt := 0
	operation := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return backoff.Permanent(&RequestError{Op: op, Err: err})
		}
		resp, err := d.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(&RequestError{Op: op, Err: ctx.Err()})
			}
			d.logger.Debug("Controller request failed",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return &RequestError{Op: op, Err: err}
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return &RequestError{Op: op, Err: fmt.Errorf("read body: %w", err)}
		}
		if resp.StatusCode >= 500 {
			return &RequestError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(data)))}
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(&RequestError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(data)))})
		}
		body = data
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(newBackoff(), ctx)); err != nil {
		return nil, err
	}
	return body, nil
}
