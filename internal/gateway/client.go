// Package gateway is the only component that talks to the remote store.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/wordbank/internal/entry"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	deviceIDHeader   = "X-Device-ID"
	defaultTimeout   = 15 * time.Second
	listPageSize     = 500
	maxErrorBodySize = 64 << 10
)

var errMissingBaseURL = errors.New("gateway: base url required")

// Config configures the remote client.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// ReconcileResult is the remote store's answer to a batch reconciliation.
type ReconcileResult struct {
	ServerEntries []entry.Entry    `json:"server_entries"`
	Conflicts     []entry.Conflict `json:"conflicts"`
	SyncTimestamp time.Time        `json:"last_sync_time"`
}

type reconcileRequest struct {
	DeviceID     string        `json:"device_id"`
	LastSyncTime *time.Time    `json:"last_sync_time,omitempty"`
	LocalEntries []entry.Entry `json:"local_entries"`
}

type createRequest struct {
	Content string `json:"content"`
	Source  string `json:"source"`
	Note    string `json:"note"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Client performs authenticated calls against the remote store, each bounded by the configured timeout.
type Client struct {
	baseURL  *url.URL
	http     *http.Client
	hasToken bool
	timeout  time.Duration
	logger   *zap.Logger
}

// New constructs a Client. The bearer credential is attached through an oauth2 static token source.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(raw)
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("gateway: invalid base url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	httpClient := base
	token := strings.TrimSpace(cfg.Token)
	if token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
	}

	return &Client{
		baseURL:  baseURL,
		http:     httpClient,
		hasToken: token != "",
		timeout:  timeout,
		logger:   logger,
	}, nil
}

// Ping checks that the remote store is reachable. It needs no credential.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", http.MethodGet, "/healthz", nil, nil, "", nil)
}

// List returns every live entry, paging through the remote listing.
func (c *Client) List(ctx context.Context) ([]entry.Entry, error) {
	if err := c.requireToken(); err != nil {
		return nil, err
	}
	all := make([]entry.Entry, 0)
	for skip := 0; ; skip += listPageSize {
		query := url.Values{}
		query.Set("skip", strconv.Itoa(skip))
		query.Set("limit", strconv.Itoa(listPageSize))
		var page []entry.Entry
		if err := c.do(ctx, "list", http.MethodGet, "/entries", query, nil, "", &page); err != nil {
			return nil, err
		}
		all = append(all, markSynced(page)...)
		if len(page) < listPageSize {
			return all, nil
		}
	}
}

// Create submits a draft and returns the analyzed entry assigned by the remote store.
func (c *Client) Create(ctx context.Context, draft entry.Draft, deviceID string) (entry.Entry, error) {
	normalized, err := draft.Normalize()
	if err != nil {
		return entry.Entry{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if err := c.requireToken(); err != nil {
		return entry.Entry{}, err
	}
	request := createRequest{Content: normalized.Content, Source: normalized.Source, Note: normalized.Note}
	var created entry.Entry
	if err := c.do(ctx, "create", http.MethodPost, "/entries", nil, request, deviceID, &created); err != nil {
		return entry.Entry{}, err
	}
	created.SyncStatus = entry.SyncStatusSynced
	return created, nil
}

// Delete tombstones a remote entry.
func (c *Client) Delete(ctx context.Context, id int64, deviceID string) error {
	if id <= 0 {
		return fmt.Errorf("%w: entry id must be positive", ErrValidation)
	}
	if err := c.requireToken(); err != nil {
		return err
	}
	return c.do(ctx, "delete", http.MethodDelete, "/entries/"+strconv.FormatInt(id, 10), nil, nil, deviceID, nil)
}

// FindSimilar returns neighbours of id ordered by descending score.
func (c *Client) FindSimilar(ctx context.Context, id int64, limit int) ([]entry.SimilarEntry, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: entry id must be positive", ErrValidation)
	}
	if err := c.requireToken(); err != nil {
		return nil, err
	}
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var similar []entry.SimilarEntry
	path := "/entries/" + strconv.FormatInt(id, 10) + "/similar"
	if err := c.do(ctx, "find_similar", http.MethodGet, path, query, nil, "", &similar); err != nil {
		return nil, err
	}
	for index := range similar {
		similar[index].Entry.SyncStatus = entry.SyncStatusSynced
	}
	return similar, nil
}

// Reconcile sends the drained mutations in one batch.
func (c *Client) Reconcile(ctx context.Context, deviceID string, lastSync time.Time, mutations []entry.Entry) (ReconcileResult, error) {
	if strings.TrimSpace(deviceID) == "" {
		return ReconcileResult{}, fmt.Errorf("%w: device id required", ErrValidation)
	}
	if err := c.requireToken(); err != nil {
		return ReconcileResult{}, err
	}
	request := reconcileRequest{DeviceID: deviceID, LocalEntries: mutations}
	if request.LocalEntries == nil {
		request.LocalEntries = []entry.Entry{}
	}
	if !lastSync.IsZero() {
		watermark := lastSync.UTC()
		request.LastSyncTime = &watermark
	}
	var result ReconcileResult
	if err := c.do(ctx, "reconcile", http.MethodPost, "/sync", nil, request, "", &result); err != nil {
		return ReconcileResult{}, err
	}
	result.ServerEntries = markSynced(result.ServerEntries)
	for index := range result.Conflicts {
		result.Conflicts[index].Local.SyncStatus = entry.SyncStatusPending
		result.Conflicts[index].Server.SyncStatus = entry.SyncStatusSynced
	}
	return result, nil
}

func (c *Client) requireToken() error {
	if !c.hasToken {
		return fmt.Errorf("%w: no bearer credential configured", ErrAuth)
	}
	return nil
}

func (c *Client) do(ctx context.Context, operation, method, path string, query url.Values, body any, deviceID string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.baseURL.JoinPath(path)
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gateway: encode %s request: %w", operation, err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("gateway: build %s request: %w", operation, err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if deviceID != "" {
		request.Header.Set(deviceIDHeader, deviceID)
	}

	response, err := c.http.Do(request)
	if err != nil {
		c.logger.Debug("remote call failed", zap.String("operation", operation), zap.Error(err))
		return transportError(operation, err)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return decodeHTTPError(response)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return transportError(operation, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func decodeHTTPError(response *http.Response) error {
	httpErr := &HTTPError{StatusCode: response.StatusCode, Message: http.StatusText(response.StatusCode)}
	payload, err := io.ReadAll(io.LimitReader(response.Body, maxErrorBodySize))
	if err != nil || len(payload) == 0 {
		return httpErr
	}
	var body errorBody
	if json.Unmarshal(payload, &body) == nil {
		if body.Error != "" {
			httpErr.Message = body.Error
		}
		httpErr.Code = body.Code
	}
	return httpErr
}

func markSynced(list []entry.Entry) []entry.Entry {
	for index := range list {
		list[index].SyncStatus = entry.SyncStatusSynced
	}
	return list
}
