// Package rest implements a connector for CRMs exposing a generic JSON REST
// API:
//
//	GET    {endpoint}/{entity}?cursor=..&limit=..  -> {"records": [...], "cursor": "..", "has_more": bool}
//	POST   {endpoint}/{entity}                     -> {"id": ".."}
//	PUT    {endpoint}/{entity}/{id}                -> {"id": ".."}
//	DELETE {endpoint}/{entity}/{id}
//
// Records are flat JSON objects keyed by remote field name. HTTP statuses
// are translated into the connector error taxonomy.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/roach88/crmsync/internal/connector"
	"github.com/roach88/crmsync/internal/ir"
)

// Metadata keys read from the connection.
const (
	MetaAPIKeyHeader = "api_key_header"
	MetaDeletedField = "deleted_field"
	MetaPageSize     = "page_size"
)

const (
	defaultAPIKeyHeader = "X-Api-Key"
	defaultDeletedField = "_deleted"
	defaultPageSize     = 200
	maxErrorBody        = 4 << 10
)

// Client talks to one REST endpoint.
//
// Thread-safety: Client is safe for concurrent use.
type Client struct {
	base         *url.URL
	http         *http.Client
	apiKeyHeader string
	deletedField string
	pageSize     int

	mu    sync.RWMutex
	creds ir.Credentials
}

// Open implements connector.Opener for the "rest" provider.
func Open(conn ir.Connection) (connector.Adapter, error) {
	return New(conn, http.DefaultClient)
}

// New builds a client for conn using hc for transport.
func New(conn ir.Connection, hc *http.Client) (*Client, error) {
	if conn.Endpoint == "" {
		return nil, errors.New("rest: endpoint is required")
	}
	base, err := url.Parse(strings.TrimRight(conn.Endpoint, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "rest: invalid endpoint")
	}
	c := &Client{
		base:         base,
		http:         hc,
		apiKeyHeader: metaString(conn.Metadata, MetaAPIKeyHeader, defaultAPIKeyHeader),
		deletedField: metaString(conn.Metadata, MetaDeletedField, defaultDeletedField),
		pageSize:     defaultPageSize,
		creds:        conn.Credentials,
	}
	if n, ok := conn.Metadata[MetaPageSize].(ir.Int); ok && n > 0 {
		c.pageSize = int(n)
	}
	return c, nil
}

func metaString(meta ir.Object, key, def string) string {
	if s, ok := meta[key].(ir.String); ok && s != "" {
		return string(s)
	}
	return def
}

// SetCredentials implements connector.Authenticator.
func (c *Client) SetCredentials(creds ir.Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = creds
}

type fetchResponse struct {
	Records []map[string]any `json:"records"`
	Cursor  string           `json:"cursor"`
	HasMore bool             `json:"has_more"`
}

type writeResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field"`
}

// FetchChanged implements connector.Adapter.
func (c *Client) FetchChanged(ctx context.Context, entity connector.EntityRef, cursor string) (*connector.Page, error) {
	op := "fetch " + entity.Name
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.pageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var resp fetchResponse
	if err := c.do(ctx, op, http.MethodGet, c.entityURL(entity.Name, "", q), nil, &resp); err != nil {
		return nil, err
	}

	page := &connector.Page{Cursor: resp.Cursor, More: resp.HasMore}
	if page.Cursor == "" {
		page.Cursor = cursor
	}
	for i, raw := range resp.Records {
		rec, err := c.toRecord(entity, raw)
		if err != nil {
			return nil, &connector.ValidationError{Op: op, Message: fmt.Sprintf("record %d: %v", i, err)}
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

func (c *Client) toRecord(entity connector.EntityRef, raw map[string]any) (connector.RemoteRecord, error) {
	var rec connector.RemoteRecord
	v, err := ir.FromAny(raw)
	if err != nil {
		return rec, err
	}
	fields := v.(ir.Object)

	rec.ID = ir.Text(fields[entity.KeyField])
	if rec.ID == "" {
		return rec, errors.Errorf("missing key field %q", entity.KeyField)
	}
	if entity.ModifiedField != "" {
		if ts := ir.Text(fields[entity.ModifiedField]); ts != "" {
			if rec.ModifiedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
				return rec, errors.Wrapf(err, "field %s", entity.ModifiedField)
			}
		}
	}
	if deleted, ok := fields[c.deletedField].(ir.Bool); ok {
		rec.Deleted = bool(deleted)
		delete(fields, c.deletedField)
	}
	rec.Fields = fields
	return rec, nil
}

// Upsert implements connector.Adapter.
func (c *Client) Upsert(ctx context.Context, entity connector.EntityRef, remoteID string, fields ir.Object) (string, error) {
	body, err := ir.MarshalValue(fields)
	if err != nil {
		return "", errors.Wrap(err, "rest: encode payload")
	}
	method, op := http.MethodPost, "create "+entity.Name
	if remoteID != "" {
		method, op = http.MethodPut, "update "+entity.Name
	}

	var resp writeResponse
	if err := c.do(ctx, op, method, c.entityURL(entity.Name, remoteID, nil), body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		if remoteID == "" {
			return "", &connector.ValidationError{Op: op, Message: "response carries no id"}
		}
		return remoteID, nil
	}
	return resp.ID, nil
}

// Delete implements connector.Adapter.
func (c *Client) Delete(ctx context.Context, entity connector.EntityRef, remoteID string) error {
	err := c.do(ctx, "delete "+entity.Name, http.MethodDelete, c.entityURL(entity.Name, remoteID, nil), nil, nil)
	var se *statusError
	if errors.As(err, &se) && se.status == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) entityURL(entity, id string, q url.Values) string {
	u := *c.base
	u.Path = u.Path + "/" + url.PathEscape(entity)
	if id != "" {
		u.Path += "/" + url.PathEscape(id)
	}
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) authorize(req *http.Request) {
	c.mu.RLock()
	creds := c.creds
	c.mu.RUnlock()
	switch {
	case creds.Kind == ir.CredentialAPIKey && creds.APIKey != "":
		req.Header.Set(c.apiKeyHeader, creds.APIKey)
	case creds.AccessToken != "":
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	}
}

// statusError carries a non-2xx response for the taxonomy translation.
type statusError struct {
	status int
	body   errorResponse
	raw    string
}

func (e *statusError) Error() string {
	msg := e.body.Message
	if msg == "" {
		msg = e.body.Error
	}
	if msg == "" {
		msg = strings.TrimSpace(e.raw)
	}
	return fmt.Sprintf("HTTP %d: %s", e.status, msg)
}

func (c *Client) do(ctx context.Context, op, method, target string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return errors.Wrapf(err, "rest: %s", op)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &connector.TransientRemoteError{Op: op, Err: errors.Wrap(err, "rest"), Unreachable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &connector.TransientRemoteError{Op: op, Err: errors.Wrap(err, "rest: decode response")}
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	se := &statusError{status: resp.StatusCode, raw: string(raw)}
	_ = json.Unmarshal(raw, &se.body)
	return translate(op, se, resp.Header)
}

// translate maps an HTTP failure onto the connector error taxonomy.
func translate(op string, se *statusError, h http.Header) error {
	switch {
	case se.status == http.StatusUnauthorized || se.status == http.StatusForbidden:
		return &connector.AuthExpiredError{Op: op, Err: se}
	case se.status == http.StatusTooManyRequests || se.status == http.StatusRequestTimeout || se.status >= 500:
		return &connector.TransientRemoteError{Op: op, Err: se, RetryAfter: retryAfter(h)}
	case se.status == http.StatusNotFound && strings.HasPrefix(op, "delete "):
		return se
	default:
		return &connector.ValidationError{Op: op, Field: se.body.Field, Message: se.Error()}
	}
}

func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

var (
	_ connector.Adapter       = (*Client)(nil)
	_ connector.Authenticator = (*Client)(nil)
)
