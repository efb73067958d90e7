package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/p-arndt/labkasten/protocol"
)

// Client talks to a labkasten daemon.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, http: hc}
}

func (c *Client) GetOrCreate(ctx context.Context, req protocol.CreateLabRequest) (*protocol.Lab, error) {
	var out protocol.Lab
	if err := c.do(ctx, http.MethodPost, "/v1/labs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Get(ctx context.Context, id string) (*protocol.Lab, error) {
	var out protocol.Lab
	if err := c.do(ctx, http.MethodGet, "/v1/labs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns the labs of a course, or all labs when courseID is empty.
func (c *Client) List(ctx context.Context, courseID, state string, history bool) ([]protocol.Lab, error) {
	q := url.Values{}
	if courseID != "" {
		q.Set("course_id", courseID)
	}
	if state != "" {
		q.Set("state", state)
	}
	if history {
		q.Set("history", "true")
	}
	path := "/v1/labs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out protocol.LabList
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Labs, nil
}

// Lifecycle sends verb ("pause", "resume", "stop" or "heartbeat") to one lab.
func (c *Client) Lifecycle(ctx context.Context, id, verb string) (*protocol.Lab, error) {
	var out protocol.Lab
	if err := c.do(ctx, http.MethodPost, "/v1/labs/"+url.PathEscape(id)+"/"+verb, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Bulk(ctx context.Context, courseID, verb string) (*protocol.BulkReport, error) {
	var out protocol.BulkReport
	if err := c.do(ctx, http.MethodPost, "/v1/courses/"+url.PathEscape(courseID)+"/"+verb, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context) (*protocol.Status, error) {
	var out protocol.Status
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Reconcile(ctx context.Context) (*protocol.ReconcileReport, error) {
	var out protocol.ReconcileReport
	if err := c.do(ctx, http.MethodPost, "/v1/reconcile", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Workspaces(ctx context.Context) ([]protocol.Workspace, error) {
	var out protocol.WorkspaceList
	if err := c.do(ctx, http.MethodGet, "/v1/workspaces", nil, &out); err != nil {
		return nil, err
	}
	return out.Workspaces, nil
}

func (c *Client) DeleteWorkspace(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/workspaces/"+url.PathEscape(id), nil, nil)
}

// do sends one request. Non-2xx responses come back as *protocol.Error.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &protocol.Error{}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Code == "" {
			return fmt.Errorf("%s %s: unexpected status %s", method, path, resp.Status)
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
