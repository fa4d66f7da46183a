package localapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
)

// Client is a thin HTTP client over a host daemon's unix socket, used by
// the local CLI and tests. Grounded on internal/transport/client.go's
// DialContext-over-unix-socket pattern and checkStatus error unwrapping.
type Client struct {
	http *http.Client
}

func NewClient(socketPath string) *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

func (c *Client) CreateRun(ctx context.Context, tool, cwd string, args []string) (runResponse, error) {
	body, _ := json.Marshal(createRunRequest{Tool: tool, CWD: cwd, Args: args})
	resp, err := c.post(ctx, "/runs", body)
	if err != nil {
		return runResponse{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusCreated); err != nil {
		return runResponse{}, err
	}
	var out runResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return runResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func (c *Client) ListRuns(ctx context.Context) ([]runResponse, error) {
	resp, err := c.get(ctx, "/runs")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var out listRunsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Runs, nil
}

func (c *Client) Input(ctx context.Context, runID, inputID, text string) error {
	body, _ := json.Marshal(inputRequest{InputID: inputID, Text: text})
	resp, err := c.post(ctx, "/runs/"+runID+"/input", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusOK)
}

func (c *Client) Stop(ctx context.Context, runID, signal string) error {
	body, _ := json.Marshal(stopRequest{Signal: signal})
	resp, err := c.post(ctx, "/runs/"+runID+"/stop", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusOK)
}

func (c *Client) Resize(ctx context.Context, runID string, cols, rows uint16) error {
	body, _ := json.Marshal(resizeRequest{Cols: cols, Rows: rows})
	resp, err := c.post(ctx, "/runs/"+runID+"/resize", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusOK)
}

func (c *Client) FSRead(ctx context.Context, runID, path string) (toolResultResponse, error) {
	return c.toolGet(ctx, "/runs/"+runID+"/fs/read?path="+url.QueryEscape(path))
}

func (c *Client) FSList(ctx context.Context, runID, path string) (toolResultResponse, error) {
	return c.toolGet(ctx, "/runs/"+runID+"/fs/list?path="+url.QueryEscape(path))
}

func (c *Client) FSSearch(ctx context.Context, runID, query string) (toolResultResponse, error) {
	return c.toolGet(ctx, "/runs/"+runID+"/fs/search?q="+url.QueryEscape(query))
}

func (c *Client) GitStatus(ctx context.Context, runID string) (toolResultResponse, error) {
	return c.toolGet(ctx, "/runs/"+runID+"/git/status")
}

func (c *Client) GitDiff(ctx context.Context, runID, path string) (toolResultResponse, error) {
	p := "/runs/" + runID + "/git/diff"
	if path != "" {
		p += "?path=" + url.QueryEscape(path)
	}
	return c.toolGet(ctx, p)
}

func (c *Client) toolGet(ctx context.Context, path string) (toolResultResponse, error) {
	resp, err := c.get(ctx, path)
	if err != nil {
		return toolResultResponse{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return toolResultResponse{}, err
	}
	var out toolResultResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return toolResultResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://host"+path, nil)
	if err != nil {
		return nil, err
	}
	return c.http.Do(req)
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://host"+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

func checkStatus(resp *http.Response, expected int) error {
	if resp.StatusCode == expected {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var errResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errResp.Error)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
}
