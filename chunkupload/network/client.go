// Package network implements chunkupload.SessionClient over the upload session REST API.
package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"github.com/bitrise-io/go-chunkupload/chunkupload"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

type initRequest struct {
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	FileType    string `json:"file_type"`
	TotalChunks int    `json:"total_chunks"`
	ChunkSize   int64  `json:"chunk_size"`
	Destination string `json:"destination,omitempty"`
}

type initResponse struct {
	SessionID     string `json:"session_id"`
	Resumed       bool   `json:"resumed"`
	MissingChunks []int  `json:"missing_chunks"`
}

type completeResponse struct {
	ArtifactID string `json:"artifact_id"`
	Location   string `json:"location"`
	Size       int64  `json:"size"`
}

type resumeResponse struct {
	CanResume bool `json:"can_resume"`
}

type progressResponse struct {
	UploadedChunks int `json:"uploaded_chunks"`
	TotalChunks    int `json:"total_chunks"`
}

// Params ...
type Params struct {
	BaseURL string
	Token   string
	// ChunkHTTPClient sends chunk uploads. Defaults to chunkupload.DefaultHTTPClient().
	ChunkHTTPClient *http.Client
}

// Client talks to the upload session API. Session control calls are retried by the
// HTTP client itself, chunk uploads are sent exactly once per call because their
// attempts belong to the caller's retry policy.
type Client struct {
	httpClient  *retryablehttp.Client
	chunkClient *http.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

var _ chunkupload.SessionClient = (*Client)(nil)

// NewClient ...
func NewClient(params Params, logger log.Logger) (*Client, error) {
	if params.BaseURL == "" {
		return nil, fmt.Errorf("API base URL must be set")
	}
	if _, err := url.Parse(params.BaseURL); err != nil {
		return nil, fmt.Errorf("parse API base URL: %w", err)
	}

	chunkClient := params.ChunkHTTPClient
	if chunkClient == nil {
		chunkClient = chunkupload.DefaultHTTPClient()
	}

	httpClient := retryhttp.NewClient(logger)
	// Hand the last response back after the retries are used up, so it can be classified.
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		httpClient:  httpClient,
		chunkClient: chunkClient,
		baseURL:     params.BaseURL,
		accessToken: params.Token,
		logger:      logger,
	}, nil
}

// HTTPError is a non-successful API response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether repeating the request may succeed.
func (e *HTTPError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// Init ...
func (c *Client) Init(ctx context.Context, req chunkupload.InitRequest) (chunkupload.InitResponse, error) {
	var response initResponse
	err := c.doJSON(ctx, http.MethodPost, c.sessionsURL(), initRequest{
		FileName:    req.FileName,
		FileSize:    req.FileSize,
		FileType:    req.FileType,
		TotalChunks: req.TotalChunks,
		ChunkSize:   req.ChunkSize,
		Destination: req.Destination,
	}, &response, http.StatusCreated, http.StatusOK)
	if err != nil {
		return chunkupload.InitResponse{}, err
	}

	return chunkupload.InitResponse{
		SessionID:     response.SessionID,
		Resumed:       response.Resumed,
		MissingChunks: response.MissingChunks,
	}, nil
}

// UploadChunk ...
func (c *Client) UploadChunk(ctx context.Context, sessionID string, index int, body io.Reader, size int64) error {
	chunkURL := c.sessionURL(sessionID) + "/chunks/" + strconv.Itoa(index)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, chunkURL, body)
	if err != nil {
		return chunkupload.Permanent(err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = size

	dump, err := httputil.DumpRequest(req, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Chunk request dump: %s", string(dump))

	resp, err := c.chunkClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return classify(unwrapError(resp))
	}

	return nil
}

// Complete ...
func (c *Client) Complete(ctx context.Context, sessionID string) (chunkupload.Artifact, error) {
	var response completeResponse
	if err := c.doJSON(ctx, http.MethodPost, c.sessionURL(sessionID)+"/complete", nil, &response, http.StatusOK); err != nil {
		return chunkupload.Artifact{}, err
	}

	return chunkupload.Artifact{
		ID:       response.ArtifactID,
		Location: response.Location,
		Size:     response.Size,
	}, nil
}

// Resume ...
func (c *Client) Resume(ctx context.Context, sessionID string) (chunkupload.ResumeStatus, error) {
	var response resumeResponse
	if err := c.doJSON(ctx, http.MethodGet, c.sessionURL(sessionID)+"/resume", nil, &response, http.StatusOK); err != nil {
		return chunkupload.ResumeStatus{}, err
	}
	return chunkupload.ResumeStatus{CanResume: response.CanResume}, nil
}

// Progress ...
func (c *Client) Progress(ctx context.Context, sessionID string) (chunkupload.RemoteProgress, error) {
	var response progressResponse
	if err := c.doJSON(ctx, http.MethodGet, c.sessionURL(sessionID)+"/progress", nil, &response, http.StatusOK); err != nil {
		return chunkupload.RemoteProgress{}, err
	}
	return chunkupload.RemoteProgress{UploadedChunks: response.UploadedChunks, TotalChunks: response.TotalChunks}, nil
}

// Cancel deletes the session. A session unknown to the server counts as cancelled.
func (c *Client) Cancel(ctx context.Context, sessionID string) error {
	err := c.doJSON(ctx, http.MethodDelete, c.sessionURL(sessionID), nil, nil, http.StatusOK, http.StatusNoContent)

	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) sessionsURL() string {
	return fmt.Sprintf("%s/upload-sessions", c.baseURL)
}

func (c *Client) sessionURL(sessionID string) string {
	return fmt.Sprintf("%s/upload-sessions/%s", c.baseURL, url.PathEscape(sessionID))
}

func (c *Client) doJSON(ctx context.Context, method, url string, requestBody, response interface{}, okStatus ...int) error {
	var body []byte
	if requestBody != nil {
		var err error
		body, err = json.Marshal(requestBody)
		if err != nil {
			return err
		}
	}

	var rawBody interface{}
	if body != nil {
		rawBody = body
	}
	req, err := retryablehttp.NewRequest(method, url, rawBody)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	if body != nil {
		req.Header.Set("Content-type", "application/json")
	}

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Request dump: %s", string(dump))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	dump, err = httputil.DumpResponse(resp, true)
	if err != nil {
		c.logger.Warnf("error while dumping response: %s", err)
	}
	c.logger.Debugf("Response dump: %s", string(dump))

	if !containsStatus(okStatus, resp.StatusCode) {
		return classify(unwrapError(resp))
	}

	if response == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func containsStatus(statuses []int, status int) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func classify(err error) error {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && !httpErr.Transient() {
		return chunkupload.Permanent(err)
	}
	return err
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return &HTTPError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(errorResp))}
}
