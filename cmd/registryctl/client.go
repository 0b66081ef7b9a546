package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const apiPrefix = "/api/v1alpha1"

// Wire headers for the server's header auth mode.
const (
	roleHeader = "X-Registry-Role"
	userHeader = "X-Registry-User"
)

type registryClient struct {
	baseURL string
	http    *http.Client
	role    string
	user    string
	token   string
}

func newClient() *registryClient {
	return &registryClient{
		baseURL: serverURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		role:  roleName,
		user:  userName,
		token: authToken,
	}
}

// getJSON performs a GET request and decodes the response.
func (c *registryClient) getJSON(path string, v any) error {
	return c.do(http.MethodGet, path, nil, v)
}

// getStatusJSON performs a GET and decodes the body regardless of HTTP
// status, returning the status code. Probe endpoints keep their detail in
// the body of non-2xx responses.
func (c *registryClient) getStatusJSON(path string, v any) (int, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("request creation failed: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

// postJSON performs a POST request with a JSON body and decodes the response.
func (c *registryClient) postJSON(path string, body []byte, v any) error {
	return c.do(http.MethodPost, path, bytes.NewReader(body), v)
}

// putJSON performs a PUT request with a JSON body and decodes the response.
func (c *registryClient) putJSON(path string, body []byte, v any) error {
	return c.do(http.MethodPut, path, bytes.NewReader(body), v)
}

// deleteJSON performs a DELETE request and decodes the response.
func (c *registryClient) deleteJSON(path string, v any) error {
	return c.do(http.MethodDelete, path, nil, v)
}

func (c *registryClient) do(method, path string, body io.Reader, v any) error {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("request creation failed: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.role != "" {
		req.Header.Set(roleHeader, c.role)
	}
	if c.user != "" {
		req.Header.Set(userHeader, c.user)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp)
	}

	if v != nil {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

// apiError turns a non-2xx response into an error, preferring the server's
// structured {"error", "message"} body over the raw bytes.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var structured struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &structured); err == nil && structured.Error != "" {
		if structured.Message != "" {
			return fmt.Errorf("%s: %s", structured.Error, structured.Message)
		}
		return fmt.Errorf("%s", structured.Error)
	}

	return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
}
