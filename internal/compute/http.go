package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codebox-cloud/codebox/internal/logger"
)

const (
	httpTimeout    = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// HTTPProviderConfig configures the HTTP sandbox provider client.
type HTTPProviderConfig struct {
	// BaseURL is the provider's control plane, e.g. "https://api.compute.example".
	BaseURL string

	// APIKey authenticates control plane calls.
	APIKey string

	// Template is the sandbox image to provision from.
	Template string

	// Timeout is the sandbox idle timeout requested on creation.
	Timeout time.Duration
}

// HTTPProvider provisions sandboxes through the provider's REST API.
// Process I/O runs over a websocket dialed to the sandbox's PTY endpoint.
type HTTPProvider struct {
	cfg        HTTPProviderConfig
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewHTTPProvider creates a provider client.
func NewHTTPProvider(cfg HTTPProviderConfig) (*HTTPProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("compute provider requires a base URL")
	}
	if cfg.Template == "" {
		cfg.Template = "base"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &HTTPProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: httpTimeout},
		dialer:     websocket.DefaultDialer,
	}, nil
}

type createRequest struct {
	Template       string `json:"template"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type createResponse struct {
	SandboxID string `json:"sandbox_id"`
}

// Create provisions a new sandbox.
func (p *HTTPProvider) Create(ctx context.Context) (Sandbox, error) {
	var resp createResponse
	req := createRequest{
		Template:       p.cfg.Template,
		TimeoutSeconds: int(p.cfg.Timeout / time.Second),
	}
	if err := p.call(ctx, http.MethodPost, "/sandboxes", req, &resp); err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}
	if resp.SandboxID == "" {
		return nil, fmt.Errorf("provider returned an empty sandbox id")
	}
	logger.Info("Provisioned sandbox %s", resp.SandboxID)
	return &httpSandbox{provider: p, id: resp.SandboxID}, nil
}

// call performs one JSON round-trip against the control plane.
func (p *HTTPProvider) call(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", p.cfg.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotRunning
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(data))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// httpSandbox is a live sandbox handle backed by the provider API.
type httpSandbox struct {
	provider *HTTPProvider
	id       string
}

func (s *httpSandbox) ID() string { return s.id }

type statusResponse struct {
	Running bool `json:"running"`
}

func (s *httpSandbox) IsRunning(ctx context.Context) (bool, error) {
	var resp statusResponse
	err := s.provider.call(ctx, http.MethodGet, "/sandboxes/"+s.id, nil, &resp)
	if err == ErrNotRunning {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return resp.Running, nil
}

type timeoutRequest struct {
	TimeoutSeconds int `json:"timeout_seconds"`
}

func (s *httpSandbox) SetTimeout(ctx context.Context, d time.Duration) error {
	req := timeoutRequest{TimeoutSeconds: int(d / time.Second)}
	return s.provider.call(ctx, http.MethodPost, "/sandboxes/"+s.id+"/timeout", req, nil)
}

type fileRequest struct {
	Path string `json:"path"`
	Data string `json:"data,omitempty"`
}

func (s *httpSandbox) WriteFile(ctx context.Context, path string, data string) error {
	return s.provider.call(ctx, http.MethodPost, "/sandboxes/"+s.id+"/files", fileRequest{Path: path, Data: data}, nil)
}

func (s *httpSandbox) MakeDir(ctx context.Context, path string) error {
	return s.provider.call(ctx, http.MethodPost, "/sandboxes/"+s.id+"/dirs", fileRequest{Path: path}, nil)
}

func (s *httpSandbox) Remove(ctx context.Context, path string) error {
	endpoint := "/sandboxes/" + s.id + "/files?path=" + url.QueryEscape(path)
	return s.provider.call(ctx, http.MethodDelete, endpoint, nil, nil)
}

type renamePathRequest struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
}

func (s *httpSandbox) Rename(ctx context.Context, oldPath, newPath string) error {
	req := renamePathRequest{OldPath: oldPath, NewPath: newPath}
	return s.provider.call(ctx, http.MethodPost, "/sandboxes/"+s.id+"/rename", req, nil)
}

// StartProcess dials the sandbox's PTY endpoint and wires the stream.
func (s *httpSandbox) StartProcess(ctx context.Context, opts ProcessOptions) (Process, error) {
	wsURL := strings.Replace(s.provider.cfg.BaseURL, "http", "ws", 1)
	endpoint := fmt.Sprintf("%s/sandboxes/%s/pty?cols=%d&rows=%d&cmd=%s",
		wsURL, s.id, opts.Cols, opts.Rows, url.QueryEscape(opts.Command))

	header := http.Header{}
	if s.provider.cfg.APIKey != "" {
		header.Set("X-API-Key", s.provider.cfg.APIKey)
	}

	conn, _, err := s.provider.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("failed to open process stream: %w", err)
	}

	proc := &wsProcess{
		conn: conn,
		done: make(chan struct{}),
	}
	go proc.readLoop(opts.OnData)
	return proc, nil
}

// wsProcess relays PTY bytes over a websocket. Binary frames carry the
// byte stream; resize hints go out as text frames with a JSON payload.
type wsProcess struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	done     chan struct{}
	doneOnce sync.Once
}

func (p *wsProcess) readLoop(onData func([]byte)) {
	defer p.doneOnce.Do(func() { close(p.done) })
	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind == websocket.BinaryMessage && onData != nil {
			onData(data)
		}
	}
}

func (p *wsProcess) Write(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to write to process: %w", err)
	}
	return nil
}

type resizeMessage struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

func (p *wsProcess) Resize(cols, rows uint16) error {
	payload, err := json.Marshal(resizeMessage{Type: "resize", Cols: cols, Rows: rows})
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return p.conn.WriteMessage(websocket.TextMessage, payload)
}

func (p *wsProcess) Kill() error {
	select {
	case <-p.done:
		// Already exited; killing again is a no-op.
		return nil
	default:
	}
	p.writeMu.Lock()
	_ = p.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	p.writeMu.Unlock()
	return p.conn.Close()
}

func (p *wsProcess) Done() <-chan struct{} {
	return p.done
}
