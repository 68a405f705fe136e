// Package atproto implements the two HTTP collaborators the publisher
// depends on: the repository batch-write endpoint and identity resolution.
package atproto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"beatbridge/internal/publish/domain"

	perr "beatbridge/internal/platform/errors"
	"beatbridge/internal/platform/logger"
)

// DefaultResolver is the identity-resolution host used when none is
// configured (§6 "Identity resolution").
const DefaultResolver = "https://slingshot.microcosm.blue"

// MaxOpsPerRequest is the server-enforced ceiling on create-operations in
// a single applyWrites call (§6 "Batch-write endpoint").
const MaxOpsPerRequest = 200

// ListRecordsPageSize is the page size requested from listRecords during
// cache-miss population (§4.E "Population").
const ListRecordsPageSize = 100

// Client talks to a PDS's batch-write endpoint and an identity resolver
// over plain net/http, reusing one *http.Client across all requests so
// connections are pooled (§5 "Shared resources").
type Client struct {
	http     *http.Client
	resolver string
	log      *logger.Logger
}

// Option configures a Client at construction.
type Option func(*Client)

// WithHTTPClient overrides the underlying *http.Client, e.g. to point at an
// httptest.Server in tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithResolver overrides the identity-resolution host.
func WithResolver(resolver string) Option {
	return func(c *Client) { c.resolver = resolver }
}

// New constructs a Client.
func New(opts ...Option) *Client {
	c := &Client{
		http:     &http.Client{Timeout: 0}, // per-call deadlines come from context, not a blanket client timeout
		resolver: DefaultResolver,
		log:      logger.Named("atproto-client"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SessionWriter binds a Client to one Session, presenting domain.BatchWriter
// and domain.RemoteEnumerator so the publisher loop never has to plumb PDS
// URLs or bearer tokens through call sites by hand.
type SessionWriter struct {
	client  *Client
	session domain.Session
}

// ForSession scopes c to session, returning a BatchWriter (and
// RemoteEnumerator) for it.
func (c *Client) ForSession(session domain.Session) *SessionWriter {
	return &SessionWriter{client: c, session: session}
}

// ApplyWrites implements domain.BatchWriter.
func (s *SessionWriter) ApplyWrites(ctx context.Context, accountID string, ops []domain.WriteOp) ([]domain.WriteResult, http.Header, int, error) {
	return s.client.applyWrites(ctx, s.session, accountID, ops)
}

// ListRecords implements domain.RemoteEnumerator.
func (s *SessionWriter) ListRecords(ctx context.Context, accountID, collection string) ([]domain.RemoteRecord, error) {
	return s.client.listRecords(ctx, s.session, accountID, collection)
}

type applyWritesRequest struct {
	Repo     string       `json:"repo"`
	Validate bool         `json:"validate"`
	Writes   []writeEntry `json:"writes"`
}

type writeEntry struct {
	Type       string            `json:"$type"`
	Collection string            `json:"collection"`
	RKey       string            `json:"rkey"`
	Value      domain.PlayRecord `json:"value"`
}

type applyWritesResponse struct {
	Results []struct {
		URI string `json:"uri"`
		CID string `json:"cid"`
	} `json:"results"`
}

// applyWrites is the unexported implementation shared by SessionWriter.
func (c *Client) applyWrites(ctx context.Context, session domain.Session, accountID string, ops []domain.WriteOp) ([]domain.WriteResult, http.Header, int, error) {
	if len(ops) > MaxOpsPerRequest {
		return nil, nil, 0, perr.InvalidArgf("atproto: %d ops exceeds max %d per request", len(ops), MaxOpsPerRequest)
	}

	writes := make([]writeEntry, 0, len(ops))
	for _, op := range ops {
		writes = append(writes, writeEntry{
			Type:       "com.atproto.repo.applyWrites#create",
			Collection: op.Collection,
			RKey:       op.RKey,
			Value:      op.Value,
		})
	}
	body, err := json.Marshal(applyWritesRequest{Repo: accountID, Validate: true, Writes: writes})
	if err != nil {
		return nil, nil, 0, perr.Wrapf(err, perr.ErrorCodeJSON, "atproto: encode applyWrites body")
	}

	endpoint := fmt.Sprintf("%s/xrpc/com.atproto.repo.applyWrites", session.PDSBaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, 0, perr.Wrapf(err, perr.ErrorCodeUnavailable, "atproto: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if session.AuthTokens.AccessJWT != "" {
		req.Header.Set("Authorization", "Bearer "+session.AuthTokens.AccessJWT)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, 0, perr.Wrapf(err, perr.ErrorCodeUnavailable, "atproto: applyWrites request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.Header, resp.StatusCode, perr.Wrapf(err, perr.ErrorCodeUnavailable, "atproto: read response body")
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, resp.Header, resp.StatusCode, perr.Unauthorizedf("atproto: authentication revoked")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, resp.Header, resp.StatusCode, perr.Newf(perr.ErrorCodeTooManyRequests, "atproto: rate limited")
		}
		if perr.IsRetryableStatus(resp.StatusCode) {
			return nil, resp.Header, resp.StatusCode, perr.Newf(perr.ErrorCodeUnavailable, "atproto: transient status %d: %s", resp.StatusCode, truncate(raw, 256))
		}
		return nil, resp.Header, resp.StatusCode, perr.Newf(perr.ErrorCodeValidation, "atproto: rejected status %d: %s", resp.StatusCode, truncate(raw, 256))
	}

	var parsed applyWritesResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, resp.Header, resp.StatusCode, perr.Wrapf(err, perr.ErrorCodeJSON, "atproto: decode applyWrites response")
	}

	results := make([]domain.WriteResult, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		results = append(results, domain.WriteResult{URI: r.URI, CID: r.CID})
	}
	return results, resp.Header, resp.StatusCode, nil
}

type listRecordsResponse struct {
	Records []struct {
		URI   string            `json:"uri"`
		CID   string            `json:"cid"`
		Value domain.PlayRecord `json:"value"`
	} `json:"records"`
	Cursor string `json:"cursor"`
}

// listRecords enumerates every record of collection in session's
// repository, paginating until the server stops returning a cursor
// (§4.E "Population").
func (c *Client) listRecords(ctx context.Context, session domain.Session, accountID, collection string) ([]domain.RemoteRecord, error) {
	var out []domain.RemoteRecord
	cursor := ""

	for {
		endpoint := fmt.Sprintf("%s/xrpc/com.atproto.repo.listRecords?repo=%s&collection=%s&limit=%d",
			session.PDSBaseURL, url.QueryEscape(accountID), url.QueryEscape(collection), ListRecordsPageSize)
		if cursor != "" {
			endpoint += "&cursor=" + url.QueryEscape(cursor)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return out, perr.Wrapf(err, perr.ErrorCodeUnavailable, "atproto: build listRecords request")
		}
		if session.AuthTokens.AccessJWT != "" {
			req.Header.Set("Authorization", "Bearer "+session.AuthTokens.AccessJWT)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return out, perr.Wrapf(err, perr.ErrorCodeUnavailable, "atproto: listRecords request")
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return out, perr.Wrapf(err, perr.ErrorCodeUnavailable, "atproto: read listRecords response body")
		}
		if resp.StatusCode != http.StatusOK {
			return out, perr.Newf(perr.ErrorCodeUnavailable, "atproto: listRecords status %d: %s", resp.StatusCode, truncate(raw, 256))
		}

		var parsed listRecordsResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return out, perr.Wrapf(err, perr.ErrorCodeJSON, "atproto: decode listRecords response")
		}
		for _, r := range parsed.Records {
			out = append(out, domain.RemoteRecord{URI: r.URI, CID: r.CID, Value: r.Value})
		}
		if parsed.Cursor == "" || len(parsed.Records) == 0 {
			return out, nil
		}
		cursor = parsed.Cursor
	}
}

// Resolve implements domain.Resolver.
func (c *Client) Resolve(ctx context.Context, identifier string) (domain.MiniDoc, error) {
	u := fmt.Sprintf("%s/xrpc/com.bad-example.identity.resolveMiniDoc?identifier=%s", c.resolver, url.QueryEscape(identifier))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.MiniDoc{}, perr.Wrapf(err, perr.ErrorCodeUnavailable, "atproto: build resolve request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.MiniDoc{}, perr.Wrapf(err, perr.ErrorCodeUnavailable, "atproto: resolve request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.MiniDoc{}, perr.Newf(perr.ErrorCodeNotFound, "atproto: identity resolution failed with status %d", resp.StatusCode)
	}

	var doc domain.MiniDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return domain.MiniDoc{}, perr.Wrapf(err, perr.ErrorCodeJSON, "atproto: decode resolveMiniDoc response")
	}
	return doc, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
