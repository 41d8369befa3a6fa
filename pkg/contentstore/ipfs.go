package contentstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/medrex/healthchain/pkg/types"
)

// IPFSStore talks to a Kubo node (or a hosted pinning API that mirrors it)
// over the /api/v0 HTTP RPC interface.
type IPFSStore struct {
	apiURL        string
	projectID     string
	projectSecret string
	client        *http.Client
}

// IPFSOption configures an IPFSStore
type IPFSOption func(*IPFSStore)

// WithProjectCredentials sets basic-auth credentials for hosted endpoints.
func WithProjectCredentials(id, secret string) IPFSOption {
	return func(s *IPFSStore) {
		s.projectID = id
		s.projectSecret = secret
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) IPFSOption {
	return func(s *IPFSStore) {
		s.client = client
	}
}

// NewIPFSStore creates a store for the RPC API at apiURL
func NewIPFSStore(apiURL string, timeout time.Duration, opts ...IPFSOption) *IPFSStore {
	s := &IPFSStore{
		apiURL: strings.TrimRight(apiURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type ipfsAddResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

type ipfsErrorResponse struct {
	Message string `json:"Message"`
	Code    int    `json:"Code"`
	Type    string `json:"Type"`
}

func (s *IPFSStore) Put(ctx context.Context, data []byte) (string, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", "record.enc")
	if err != nil {
		return "", types.NewInternalError(types.ErrCodeInternalError, "failed to build upload", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", types.NewInternalError(types.ErrCodeInternalError, "failed to build upload", err)
	}
	if err := form.Close(); err != nil {
		return "", types.NewInternalError(types.ErrCodeInternalError, "failed to build upload", err)
	}

	query := url.Values{}
	query.Set("cid-version", "1")
	query.Set("raw-leaves", "true")
	query.Set("pin", "true")

	resp, err := s.call(ctx, "add", query, &body, form.FormDataContentType())
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var added ipfsAddResponse
	if err := json.NewDecoder(resp.Body).Decode(&added); err != nil {
		return "", types.NewUnavailableError("unexpected response from content store", err)
	}
	if added.Hash == "" {
		return "", types.NewUnavailableError("content store returned no identifier", nil)
	}
	return added.Hash, nil
}

func (s *IPFSStore) Get(ctx context.Context, id string) ([]byte, error) {
	if _, err := ParseCID(id); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("arg", id)

	resp, err := s.call(ctx, "cat", query, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewUnavailableError("content store connection dropped", err)
	}
	if err := verify(id, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *IPFSStore) call(ctx context.Context, command string, query url.Values, body io.Reader, contentType string) (*http.Response, error) {
	endpoint := fmt.Sprintf("%s/api/v0/%s?%s", s.apiURL, command, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to build request", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if s.projectID != "" {
		req.SetBasicAuth(s.projectID, s.projectSecret)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, types.NewUnavailableError("content store unreachable", err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()

	var apiErr ipfsErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&apiErr)

	switch {
	case resp.StatusCode == http.StatusNotFound, strings.Contains(strings.ToLower(apiErr.Message), "not found"):
		return nil, types.NewNotFoundError("content not found")
	case resp.StatusCode == http.StatusBadRequest:
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "content store rejected request", map[string]interface{}{
			"reason": apiErr.Message,
		})
	default:
		return nil, types.NewUnavailableError(fmt.Sprintf("content store returned status %d", resp.StatusCode), errors.New(apiErr.Message))
	}
}
