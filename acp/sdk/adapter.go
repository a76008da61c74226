package sdk

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/openclaw/acp/runtime"
)

// DefaultBackendID is the backend ID used for registration.
const DefaultBackendID = "acp-go-sdk"

func init() {
	defaultAdapter := NewAcpGoSDKAdapter("acp", nil, nil)

	_ = runtime.RegisterAcpRuntimeBackend(runtime.AcpRuntimeBackend{
		ID:      DefaultBackendID,
		Runtime: defaultAdapter,
		Healthy: func() bool {
			return isAcpAgentAvailable(defaultAdapter.agentPath)
		},
	})
}

// AcpGoSDKAdapter runs ACP agent subprocesses and speaks JSON-RPC 2.0 over
// stdio. One agent process is started per session; turn output streams back
// as session/update notifications until the prompt response arrives.
type AcpGoSDKAdapter struct {
	agentPath string
	agentArgs []string
	env       []string
	timeout   time.Duration

	mu        sync.RWMutex
	processes map[string]*agentProcess
}

// NewAcpGoSDKAdapter creates a new ACP SDK adapter.
func NewAcpGoSDKAdapter(agentPath string, agentArgs []string, env []string) *AcpGoSDKAdapter {
	return &AcpGoSDKAdapter{
		agentPath: agentPath,
		agentArgs: append([]string(nil), agentArgs...),
		env:       append([]string(nil), env...),
		timeout:   30 * time.Second,
		processes: make(map[string]*agentProcess),
	}
}

// SetTimeout sets the timeout for control operations.
func (a *AcpGoSDKAdapter) SetTimeout(timeout time.Duration) {
	a.timeout = timeout
}

// SetAgentConfig updates agent launch settings for subsequent sessions.
func (a *AcpGoSDKAdapter) SetAgentConfig(agentPath string, agentArgs []string, env []string) {
	if agentPath != "" {
		a.agentPath = agentPath
	}
	if agentArgs != nil {
		a.agentArgs = append([]string(nil), agentArgs...)
	}
	if env != nil {
		a.env = append([]string(nil), env...)
	}
}

// agentProcess is one running agent subprocess with a demultiplexing reader.
type agentProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	writeMu sync.Mutex

	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan *jsonRPCResponse

	notifyMu sync.Mutex
	notify   chan *jsonRPCNotification

	done     chan struct{}
	doneOnce sync.Once
}

func (p *agentProcess) close() {
	p.doneOnce.Do(func() {
		close(p.done)
		_ = p.stdin.Close()
		_ = p.stdout.Close()
		_ = p.stderr.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
}

// readLoop reads stdout lines, routing responses to their waiters and
// notifications to the active subscriber.
func (p *agentProcess) readLoop() {
	scanner := bufio.NewScanner(p.stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var envelope struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *jsonRPCError   `json:"error"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &envelope); err != nil {
			continue
		}

		if envelope.ID != nil && envelope.Method == "" {
			p.pendingMu.Lock()
			waiter := p.pending[*envelope.ID]
			delete(p.pending, *envelope.ID)
			p.pendingMu.Unlock()
			if waiter != nil {
				waiter <- &jsonRPCResponse{Result: envelope.Result, Error: envelope.Error}
			}
			continue
		}

		if envelope.Method != "" {
			p.notifyMu.Lock()
			subscriber := p.notify
			p.notifyMu.Unlock()
			if subscriber != nil {
				select {
				case subscriber <- &jsonRPCNotification{Method: envelope.Method, Params: envelope.Params}:
				case <-p.done:
					return
				}
			}
		}
	}

	// EOF or read error; fail any remaining waiters.
	p.pendingMu.Lock()
	for id, waiter := range p.pending {
		waiter <- &jsonRPCResponse{Error: &jsonRPCError{Code: -1, Message: "agent process closed"}}
		delete(p.pending, id)
	}
	p.pendingMu.Unlock()
}

// call issues one JSON-RPC request and waits for its response.
func (p *agentProcess) call(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	id := p.nextID.Add(1)

	request := jsonRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	data, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	waiter := make(chan *jsonRPCResponse, 1)
	p.pendingMu.Lock()
	p.pending[id] = waiter
	p.pendingMu.Unlock()

	p.writeMu.Lock()
	_, writeErr := fmt.Fprintf(p.stdin, "%s\n", data)
	p.writeMu.Unlock()
	if writeErr != nil {
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
		return nil, fmt.Errorf("write %s request: %w", method, writeErr)
	}

	select {
	case resp := <-waiter:
		return resp, nil
	case <-ctx.Done():
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-p.done:
		return nil, fmt.Errorf("agent process closed")
	}
}

// EnsureSession starts an agent process and performs the initialize and
// session/new handshake.
func (a *AcpGoSDKAdapter) EnsureSession(ctx context.Context, input runtime.AcpRuntimeEnsureInput) (runtime.AcpRuntimeHandle, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	process, err := a.startAgentProcess(input)
	if err != nil {
		return runtime.AcpRuntimeHandle{}, runtime.NewBackendUnavailableError(DefaultBackendID)
	}

	sessionID := uuid.New().String()

	initResp, err := process.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo": map[string]any{
			"name":    "openclaw",
			"version": "1.0.0",
		},
	})
	if err == nil && initResp.Error != nil {
		err = fmt.Errorf("initialize: %s", initResp.Error.Message)
	}
	if err == nil {
		var newResp *jsonRPCResponse
		newResp, err = process.call(ctx, "session/new", map[string]any{
			"sessionId": sessionID,
			"cwd":       input.Cwd,
			"agent":     input.Agent,
			"mode":      string(input.Mode),
		})
		if err == nil && newResp.Error != nil {
			err = fmt.Errorf("session/new: %s", newResp.Error.Message)
		} else if err == nil && len(newResp.Result) > 0 {
			var result struct {
				SessionID string `json:"sessionId"`
			}
			if json.Unmarshal(newResp.Result, &result) == nil && result.SessionID != "" {
				sessionID = result.SessionID
			}
		}
	}
	if err != nil {
		process.close()
		return runtime.AcpRuntimeHandle{}, runtime.NewSessionInitError("ACP agent handshake failed", err)
	}

	a.mu.Lock()
	a.processes[sessionID] = process
	a.mu.Unlock()

	return runtime.AcpRuntimeHandle{
		SessionKey:         input.SessionKey,
		Backend:            DefaultBackendID,
		RuntimeSessionName: sessionID,
		Cwd:                input.Cwd,
		BackendSessionId:   sessionID,
	}, nil
}

func (a *AcpGoSDKAdapter) startAgentProcess(input runtime.AcpRuntimeEnsureInput) (*agentProcess, error) {
	cmd := exec.Command(a.agentPath, a.agentArgs...)
	cmd.Env = append(os.Environ(), a.env...)
	for k, v := range input.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if input.Cwd != "" {
		cmd.Dir = input.Cwd
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, err
	}

	process := &agentProcess{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		pending: make(map[int64]chan *jsonRPCResponse),
		done:    make(chan struct{}),
	}
	go process.readLoop()
	return process, nil
}

// RunTurn sends session/prompt and streams session/update notifications as
// runtime events until the prompt response arrives.
func (a *AcpGoSDKAdapter) RunTurn(ctx context.Context, input runtime.AcpRuntimeTurnInput) (<-chan runtime.AcpRuntimeEvent, error) {
	process, err := a.processForHandle(input.Handle)
	if err != nil {
		return nil, err
	}

	notifications := make(chan *jsonRPCNotification, 32)
	process.notifyMu.Lock()
	process.notify = notifications
	process.notifyMu.Unlock()

	events := make(chan runtime.AcpRuntimeEvent, 16)
	responses := make(chan *jsonRPCResponse, 1)

	go func() {
		resp, callErr := process.call(ctx, "session/prompt", map[string]any{
			"sessionId": input.Handle.BackendSessionId,
			"requestId": input.RequestID,
			"prompt": map[string]any{
				"text": input.Text,
				"mode": string(input.Mode),
			},
		})
		if callErr != nil {
			resp = &jsonRPCResponse{Error: &jsonRPCError{Code: -1, Message: callErr.Error()}}
		}
		responses <- resp
	}()

	go func() {
		defer func() {
			process.notifyMu.Lock()
			if process.notify == notifications {
				process.notify = nil
			}
			process.notifyMu.Unlock()
			close(events)
		}()

		for {
			select {
			case notification := <-notifications:
				if event := eventFromNotification(notification); event != nil {
					events <- event
				}
			case resp := <-responses:
				// Drain notifications already queued before the response.
				for {
					select {
					case notification := <-notifications:
						if event := eventFromNotification(notification); event != nil {
							events <- event
						}
						continue
					default:
					}
					break
				}
				if resp.Error != nil {
					events <- &runtime.AcpEventError{
						Message: resp.Error.Message,
						Code:    runtime.ErrCodeTurnFailed,
					}
				} else {
					stopReason := "completed"
					if len(resp.Result) > 0 {
						var result struct {
							StopReason string `json:"stopReason"`
						}
						if json.Unmarshal(resp.Result, &result) == nil && result.StopReason != "" {
							stopReason = result.StopReason
						}
					}
					events <- &runtime.AcpEventDone{StopReason: stopReason}
				}
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}

// eventFromNotification maps a session/update notification onto a runtime
// event, or nil for methods that carry nothing renderable.
func eventFromNotification(notification *jsonRPCNotification) runtime.AcpRuntimeEvent {
	if notification == nil || notification.Method != "session/update" {
		return nil
	}

	var update struct {
		Kind      string   `json:"kind"`
		Text      string   `json:"text"`
		Stream    string   `json:"stream"`
		ToolID    string   `json:"toolId"`
		ToolName  string   `json:"toolName"`
		Status    string   `json:"status"`
		MediaUrls []string `json:"mediaUrls"`
	}
	if err := json.Unmarshal(notification.Params, &update); err != nil {
		return nil
	}

	switch update.Kind {
	case "text_delta":
		stream := update.Stream
		if stream == "" {
			stream = "output"
		}
		return &runtime.AcpEventTextDelta{Text: update.Text, Stream: stream}
	case "tool_result":
		return &runtime.AcpEventToolResult{
			ID:        update.ToolID,
			Name:      update.ToolName,
			Text:      update.Text,
			MediaUrls: update.MediaUrls,
			Status:    update.Status,
		}
	default:
		return nil
	}
}

// GetCapabilities returns the static capability set of the SDK backend.
func (a *AcpGoSDKAdapter) GetCapabilities(ctx context.Context, handle *runtime.AcpRuntimeHandle) (runtime.AcpRuntimeCapabilities, error) {
	return runtime.AcpRuntimeCapabilities{
		Controls: []runtime.AcpRuntimeControl{
			runtime.AcpControlSessionSetMode,
			runtime.AcpControlSessionSetConfigOption,
			runtime.AcpControlSessionStatus,
		},
	}, nil
}

// GetStatus queries session/status and surfaces any session ids it reports.
func (a *AcpGoSDKAdapter) GetStatus(ctx context.Context, handle runtime.AcpRuntimeHandle) (*runtime.AcpRuntimeStatus, error) {
	process, err := a.processForHandle(handle)
	if err != nil {
		return nil, err
	}

	resp, err := process.call(ctx, "session/status", map[string]any{
		"sessionId": handle.BackendSessionId,
	})
	if err != nil {
		return nil, runtime.NewTurnError("ACP status request failed", err)
	}
	if resp.Error != nil {
		return nil, runtime.NewTurnError(resp.Error.Message, nil)
	}

	status := &runtime.AcpRuntimeStatus{
		Summary:          "active",
		BackendSessionId: handle.BackendSessionId,
	}
	if len(resp.Result) > 0 {
		var result struct {
			Summary        string         `json:"summary"`
			AgentSessionID string         `json:"agentSessionId"`
			RecordID       string         `json:"recordId"`
			Details        map[string]any `json:"details"`
		}
		if json.Unmarshal(resp.Result, &result) == nil {
			if result.Summary != "" {
				status.Summary = result.Summary
			}
			status.AgentSessionId = result.AgentSessionID
			status.AcpxRecordId = result.RecordID
			status.Details = result.Details
		}
	}
	return status, nil
}

// SetMode sends session/set_mode.
func (a *AcpGoSDKAdapter) SetMode(ctx context.Context, handle runtime.AcpRuntimeHandle, mode string) error {
	return a.control(ctx, handle, "session/set_mode", map[string]any{
		"sessionId": handle.BackendSessionId,
		"mode":      mode,
	})
}

// SetConfigOption sends session/set_config_option.
func (a *AcpGoSDKAdapter) SetConfigOption(ctx context.Context, handle runtime.AcpRuntimeHandle, key, value string) error {
	return a.control(ctx, handle, "session/set_config_option", map[string]any{
		"sessionId": handle.BackendSessionId,
		"key":       key,
		"value":     value,
	})
}

func (a *AcpGoSDKAdapter) control(ctx context.Context, handle runtime.AcpRuntimeHandle, method string, params map[string]any) error {
	process, err := a.processForHandle(handle)
	if err != nil {
		return err
	}

	resp, err := process.call(ctx, method, params)
	if err != nil {
		return runtime.NewTurnError(fmt.Sprintf("%s request failed", method), err)
	}
	if resp.Error != nil {
		if resp.Error.Code == jsonRPCMethodNotFound {
			return runtime.NewUnsupportedControlError(DefaultBackendID, runtime.AcpRuntimeControl(method))
		}
		return runtime.NewTurnError(resp.Error.Message, nil)
	}
	return nil
}

// Doctor checks that the agent executable is present and runnable.
func (a *AcpGoSDKAdapter) Doctor(ctx context.Context) (runtime.AcpRuntimeDoctorReport, error) {
	if !isAcpAgentAvailable(a.agentPath) {
		return runtime.AcpRuntimeDoctorReport{
			Ok:             false,
			Code:           runtime.ErrCodeBackendMissing,
			Message:        fmt.Sprintf("ACP agent executable not found: %s", a.agentPath),
			InstallCommand: "npm install -g @zed-industries/agent-client-protocol",
		}, nil
	}
	if a.agentPath != "" && a.agentPath != "acp" && !isExecutable(a.agentPath) {
		return runtime.AcpRuntimeDoctorReport{
			Ok:      false,
			Code:    runtime.ErrCodeBackendUnavailable,
			Message: fmt.Sprintf("ACP agent is not executable: %s", a.agentPath),
		}, nil
	}
	return runtime.AcpRuntimeDoctorReport{
		Ok:      true,
		Message: "ACP agent is available",
	}, nil
}

// Cancel tells the agent to stop the in-flight turn.
func (a *AcpGoSDKAdapter) Cancel(ctx context.Context, handle runtime.AcpRuntimeHandle, reason string) error {
	return a.control(ctx, handle, "session/cancel", map[string]any{
		"sessionId": handle.BackendSessionId,
		"reason":    reason,
	})
}

// Close ends the session and tears down the agent process.
func (a *AcpGoSDKAdapter) Close(ctx context.Context, handle runtime.AcpRuntimeHandle, reason string) error {
	a.mu.Lock()
	process := a.processes[handle.BackendSessionId]
	delete(a.processes, handle.BackendSessionId)
	a.mu.Unlock()

	if process == nil {
		return nil
	}

	// Best-effort goodbye before killing the process.
	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	_, _ = process.call(closeCtx, "session/close", map[string]any{
		"sessionId": handle.BackendSessionId,
		"reason":    reason,
	})
	cancel()

	process.close()
	return nil
}

func (a *AcpGoSDKAdapter) processForHandle(handle runtime.AcpRuntimeHandle) (*agentProcess, error) {
	a.mu.RLock()
	process := a.processes[handle.BackendSessionId]
	a.mu.RUnlock()

	if process == nil {
		return nil, runtime.NewSessionInitError(
			fmt.Sprintf("no agent process for session: %s", handle.BackendSessionId), nil)
	}
	return process, nil
}

const jsonRPCMethodNotFound = -32601

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCNotification struct {
	Method string
	Params json.RawMessage
}

type jsonRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode()&0111 != 0
}

func isAcpAgentAvailable(agentPath string) bool {
	if agentPath == "" || agentPath == "acp" {
		_, err := exec.LookPath("acp")
		return err == nil
	}
	return isExecutable(agentPath)
}
