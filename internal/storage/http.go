package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/codebox-cloud/codebox/internal/logger"
)

const httpTimeout = 30 * time.Second

// HTTPStore talks to the object store's HTTP API.
type HTTPStore struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPStore creates a store client for the given API base URL.
func NewHTTPStore(baseURL, apiKey string) *HTTPStore {
	return &HTTPStore{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: httpTimeout,
		},
	}
}

type listResponse struct {
	Objects []Object `json:"objects"`
}

// List returns every object whose key belongs to the sandbox.
func (s *HTTPStore) List(ctx context.Context, sandboxID string) ([]Object, error) {
	endpoint := fmt.Sprintf("%s/api?sandboxId=%s", s.baseURL, url.QueryEscape(sandboxID))
	body, err := s.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list objects for sandbox %s: %w", sandboxID, err)
	}

	var resp listResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode object list: %w", err)
	}
	return resp.Objects, nil
}

// Fetch returns the content of one object.
func (s *HTTPStore) Fetch(ctx context.Context, fileID string) (string, error) {
	endpoint := fmt.Sprintf("%s/api?fileId=%s", s.baseURL, url.QueryEscape(fileID))
	body, err := s.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", fileID, err)
	}
	return string(body), nil
}

type putRequest struct {
	FileID string `json:"fileId"`
	Data   string `json:"data"`
}

// Put stores content under fileID.
func (s *HTTPStore) Put(ctx context.Context, fileID string, content string) error {
	payload, err := json.Marshal(putRequest{FileID: fileID, Data: content})
	if err != nil {
		return fmt.Errorf("failed to encode put request: %w", err)
	}
	if _, err := s.do(ctx, http.MethodPost, s.baseURL+"/api", payload); err != nil {
		return fmt.Errorf("failed to store %s: %w", fileID, err)
	}
	return nil
}

// Delete removes one object.
func (s *HTTPStore) Delete(ctx context.Context, fileID string) error {
	endpoint := fmt.Sprintf("%s/api?fileId=%s", s.baseURL, url.QueryEscape(fileID))
	if _, err := s.do(ctx, http.MethodDelete, endpoint, nil); err != nil {
		return fmt.Errorf("failed to delete %s: %w", fileID, err)
	}
	return nil
}

type renameRequest struct {
	FileID    string `json:"fileId"`
	NewFileID string `json:"newFileId"`
}

// Rename moves an object to a new key.
func (s *HTTPStore) Rename(ctx context.Context, fileID, newFileID string) error {
	payload, err := json.Marshal(renameRequest{FileID: fileID, NewFileID: newFileID})
	if err != nil {
		return fmt.Errorf("failed to encode rename request: %w", err)
	}
	if _, err := s.do(ctx, http.MethodPost, s.baseURL+"/api/rename", payload); err != nil {
		return fmt.Errorf("failed to rename %s: %w", fileID, err)
	}
	return nil
}

// DeleteFolder removes every object under the given key prefix.
func (s *HTTPStore) DeleteFolder(ctx context.Context, folderID string) error {
	endpoint := fmt.Sprintf("%s/api/folder?folderId=%s", s.baseURL, url.QueryEscape(folderID))
	if _, err := s.do(ctx, http.MethodDelete, endpoint, nil); err != nil {
		return fmt.Errorf("failed to delete folder %s: %w", folderID, err)
	}
	return nil
}

// do performs one HTTP round-trip and returns the response body.
func (s *HTTPStore) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Warn("Object store returned %d for %s %s", resp.StatusCode, method, endpoint)
		return nil, fmt.Errorf("object store returned %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
