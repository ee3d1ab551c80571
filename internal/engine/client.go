// Package engine talks to the external workflow engine's REST API. The engine
// runs submitted workflows on its own schedule; this client only submits,
// inspects, and stops them.
package engine

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for engine client failures.
var (
	ErrEngineUnreachable = errors.New("workflow engine unreachable")
	ErrEngineError       = errors.New("workflow engine error")
	ErrEngineTimeout     = errors.New("workflow engine timeout")
	ErrWorkflowNotFound  = errors.New("workflow not found")
)

// Phase is the engine-reported execution phase of a workflow.
type Phase string

const (
	PhasePending   Phase = "Pending"
	PhaseRunning   Phase = "Running"
	PhaseSucceeded Phase = "Succeeded"
	PhaseFailed    Phase = "Failed"
	PhaseError     Phase = "Error"
)

// InFlight reports whether the workflow still occupies engine capacity.
func (p Phase) InFlight() bool {
	return p == PhaseRunning || p == PhasePending
}

// Workflow is the subset of engine workflow state the orchestrator needs.
type Workflow struct {
	Name      string
	Namespace string
	Phase     Phase
}

// SubmitRequest describes a single-step execution of a process graph.
type SubmitRequest struct {
	JobID        uuid.UUID
	UserID       uuid.UUID
	ProcessGraph json.RawMessage
	Workspace    string
	Local        bool
}

// Client is the interface for driving the workflow engine.
type Client interface {
	ListWorkflows(ctx context.Context) ([]Workflow, error)
	GetWorkflow(ctx context.Context, name string) (*Workflow, error)
	SubmitWorkflow(ctx context.Context, req SubmitRequest) (*Workflow, error)
	StopWorkflow(ctx context.Context, name string) error
	WorkflowLogs(ctx context.Context, name string) ([]string, error)
}

// HTTPClient implements Client against an Argo-Workflows-style HTTP API.
type HTTPClient struct {
	baseURL       string
	namespace     string
	token         string
	executorImage string
	client        *http.Client
}

// NewHTTPClient creates a new engine HTTP client.
func NewHTTPClient(baseURL, namespace, token, executorImage string, insecureSkipVerify bool, timeout time.Duration) *HTTPClient {
	transport := http.DefaultTransport
	if insecureSkipVerify {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &HTTPClient{
		baseURL:       baseURL,
		namespace:     namespace,
		token:         token,
		executorImage: executorImage,
		client:        &http.Client{Timeout: timeout, Transport: transport},
	}
}

func (c *HTTPClient) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	u := fmt.Sprintf("%s/api/v1/workflows/%s", c.baseURL, url.PathEscape(c.namespace))

	var listResp workflowListResponse
	if err := c.getJSON(ctx, u, &listResp); err != nil {
		return nil, err
	}

	workflows := make([]Workflow, 0, len(listResp.Items))
	for _, item := range listResp.Items {
		workflows = append(workflows, item.toWorkflow())
	}
	return workflows, nil
}

func (c *HTTPClient) GetWorkflow(ctx context.Context, name string) (*Workflow, error) {
	u := fmt.Sprintf("%s/api/v1/workflows/%s/%s",
		c.baseURL, url.PathEscape(c.namespace), url.PathEscape(name))

	var item workflowItem
	if err := c.getJSON(ctx, u, &item); err != nil {
		return nil, err
	}
	wf := item.toWorkflow()
	return &wf, nil
}

func (c *HTTPClient) SubmitWorkflow(ctx context.Context, req SubmitRequest) (*Workflow, error) {
	u := fmt.Sprintf("%s/api/v1/workflows/%s", c.baseURL, url.PathEscape(c.namespace))

	body, err := json.Marshal(createWorkflowRequest{
		Workflow: c.buildManifest(req),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding workflow manifest: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("%w: submit returned status %d", ErrEngineError, resp.StatusCode)
	}

	var item workflowItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, fmt.Errorf("decoding submit response: %w", err)
	}
	wf := item.toWorkflow()
	return &wf, nil
}

func (c *HTTPClient) StopWorkflow(ctx context.Context, name string) error {
	u := fmt.Sprintf("%s/api/v1/workflows/%s/%s/stop",
		c.baseURL, url.PathEscape(c.namespace), url.PathEscape(name))

	body, err := json.Marshal(stopWorkflowRequest{Name: name, Namespace: c.namespace})
	if err != nil {
		return fmt.Errorf("encoding stop request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrWorkflowNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: stop returned status %d", ErrEngineError, resp.StatusCode)
	}
	return nil
}

// WorkflowLogs fetches the main-container log lines of a workflow. The engine
// answers with newline-delimited JSON entries carrying a content field.
func (c *HTTPClient) WorkflowLogs(ctx context.Context, name string) ([]string, error) {
	u := fmt.Sprintf("%s/api/v1/workflows/%s/%s/log?logOptions.container=main",
		c.baseURL, url.PathEscape(c.namespace), url.PathEscape(name))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrWorkflowNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: log returned status %d", ErrEngineError, resp.StatusCode)
	}

	var logs []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry logEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		if entry.Result.Content != "" {
			logs = append(logs, entry.Result.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading log stream: %w", err)
	}
	return logs, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, u string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrWorkflowNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrEngineError, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding engine response: %w", err)
	}
	return nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// buildManifest describes a single-step workflow executing the process graph.
// Job identity, user identity, and the workspace path travel as environment
// variables of the executor container.
func (c *HTTPClient) buildManifest(req SubmitRequest) workflowManifest {
	return workflowManifest{
		Metadata: workflowMetadata{
			GenerateName: "graph-run-",
			Labels: map[string]string{
				"gridflow.dev/job-id":  req.JobID.String(),
				"gridflow.dev/user-id": req.UserID.String(),
			},
		},
		Spec: workflowSpec{
			Entrypoint: "execute",
			Templates: []workflowTemplate{
				{
					Name: "execute",
					Container: &workflowContainer{
						Image:   c.executorImage,
						Command: []string{"gridflow-executor"},
						Args:    []string{"run"},
						Env: []envVar{
							{Name: "GRIDFLOW_JOB_ID", Value: req.JobID.String()},
							{Name: "GRIDFLOW_USER_ID", Value: req.UserID.String()},
							{Name: "GRIDFLOW_USER_WORKSPACE", Value: req.Workspace},
							{Name: "GRIDFLOW_PROCESS_GRAPH", Value: string(req.ProcessGraph)},
							{Name: "GRIDFLOW_LOCAL_PROFILE", Value: fmt.Sprintf("%t", req.Local)},
						},
					},
				},
			},
		},
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrEngineTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrEngineTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrEngineUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrEngineUnreachable, err)
}

// --- engine wire types ---

type createWorkflowRequest struct {
	Workflow workflowManifest `json:"workflow"`
}

type stopWorkflowRequest struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

type workflowManifest struct {
	Metadata workflowMetadata `json:"metadata"`
	Spec     workflowSpec     `json:"spec"`
}

type workflowMetadata struct {
	GenerateName string            `json:"generateName,omitempty"`
	Name         string            `json:"name,omitempty"`
	Namespace    string            `json:"namespace,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

type workflowSpec struct {
	Entrypoint string             `json:"entrypoint"`
	Templates  []workflowTemplate `json:"templates"`
}

type workflowTemplate struct {
	Name      string             `json:"name"`
	Container *workflowContainer `json:"container,omitempty"`
}

type workflowContainer struct {
	Image   string   `json:"image"`
	Command []string `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Env     []envVar `json:"env,omitempty"`
}

type envVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type workflowListResponse struct {
	Items []workflowItem `json:"items"`
}

type workflowItem struct {
	Metadata workflowMetadata `json:"metadata"`
	Status   workflowStatus   `json:"status"`
}

type workflowStatus struct {
	Phase Phase `json:"phase"`
}

func (w workflowItem) toWorkflow() Workflow {
	return Workflow{
		Name:      w.Metadata.Name,
		Namespace: w.Metadata.Namespace,
		Phase:     w.Status.Phase,
	}
}

type logEntry struct {
	Result struct {
		Content string `json:"content"`
	} `json:"result"`
}
