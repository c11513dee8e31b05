// Package client is a small HTTP client for the fleetd API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/devghori1264/aerophoenix/fleetd/internal/models"
)

type Client struct {
	base string
	hc   *http.Client
}

func New(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		hc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string `json:"message"`
	Detail  string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%d: %s: %s", e.Status, e.Message, e.Detail)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// Message is the body of endpoints that only confirm an operation.
type Message struct {
	Message string          `json:"message"`
	Machine *models.Machine `json:"machine,omitempty"`
}

type ActionResponse struct {
	Message string                `json:"message"`
	Results []models.ActionResult `json:"results"`
}

func machinesPath(clusterID string, parts ...string) string {
	p := "/clusters/" + url.PathEscape(clusterID) + "/machines"
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func (c *Client) List(ctx context.Context, clusterID string) ([]models.Machine, error) {
	var out []models.Machine
	return out, c.do(ctx, http.MethodGet, machinesPath(clusterID), nil, &out)
}

func (c *Client) Get(ctx context.Context, clusterID, machineID string) (models.MachineStatus, error) {
	var out models.MachineStatus
	return out, c.do(ctx, http.MethodGet, machinesPath(clusterID, machineID), nil, &out)
}

func (c *Client) Create(ctx context.Context, clusterID string, in models.MachineInput) (models.Machine, error) {
	var out models.Machine
	return out, c.do(ctx, http.MethodPost, machinesPath(clusterID), in, &out)
}

func (c *Client) Update(ctx context.Context, clusterID, machineID string, patch models.MachinePatch) (Message, error) {
	var out Message
	return out, c.do(ctx, http.MethodPatch, machinesPath(clusterID, machineID), patch, &out)
}

func (c *Client) Delete(ctx context.Context, clusterID, machineID string) (Message, error) {
	var out Message
	return out, c.do(ctx, http.MethodDelete, machinesPath(clusterID, machineID), nil, &out)
}

// Act runs start, stop or reboot on one machine.
func (c *Client) Act(ctx context.Context, clusterID, machineID string, action models.Action) (Message, error) {
	var out Message
	return out, c.do(ctx, http.MethodPost, machinesPath(clusterID, machineID, string(action)), nil, &out)
}

func (c *Client) AddTag(ctx context.Context, clusterID, machineID, tag string) (Message, error) {
	var out Message
	body := map[string]string{"tag": tag}
	return out, c.do(ctx, http.MethodPost, machinesPath(clusterID, machineID, "tags"), body, &out)
}

func (c *Client) RemoveTag(ctx context.Context, clusterID, machineID, tag string) (Message, error) {
	var out Message
	return out, c.do(ctx, http.MethodDelete, machinesPath(clusterID, machineID, "tags", tag), nil, &out)
}

// Dispatch applies action to every machine in the cluster carrying all tags.
func (c *Client) Dispatch(ctx context.Context, clusterID, action string, tags []string) (ActionResponse, error) {
	var out ActionResponse
	if tags == nil {
		tags = []string{}
	}
	body := map[string]any{"action": action, "tags": tags}
	return out, c.do(ctx, http.MethodPost, machinesPath(clusterID, "actions"), body, &out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		bs, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(bs)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("http error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
