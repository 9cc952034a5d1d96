package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Steake/BitCell-sub003/x/ceremony/setup"
	"github.com/Steake/BitCell-sub003/x/ceremony/transcript"
	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

// Client talks to a coordinator API. Errors returned by the coordinator
// match the registered ceremony errors with errors.Is.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a client for the API at baseURL. token may be empty
// for participant-only use.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Minute},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

func (c *Client) ceremonyURL(id, suffix string) string {
	return c.baseURL + "/api/v1/ceremonies/" + url.PathEscape(id) + suffix
}

func (c *Client) do(req *http.Request, out interface{}) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", req.URL.Path, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	if out == nil {
		return resp, nil
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxJSONBody))
	var e ErrorResponse
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		return fmt.Errorf("coordinator returned %s", resp.Status)
	}
	return e.AsError()
}

func (c *Client) getJSON(ctx context.Context, u string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	_, err = c.do(req, out)
	return err
}

func (c *Client) postJSON(ctx context.Context, u string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = c.do(req, out)
	return err
}

// Health checks that the coordinator is up.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.getJSON(ctx, c.baseURL+"/api/v1/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ceremonies lists the coordinator's ceremonies.
func (c *Client) Ceremonies(ctx context.Context) ([]StateResponse, error) {
	var out []StateResponse
	if err := c.getJSON(ctx, c.baseURL+"/api/v1/ceremonies", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// State returns a ceremony's state.
func (c *Client) State(ctx context.Context, id string) (*StateResponse, error) {
	var out StateResponse
	if err := c.getJSON(ctx, c.ceremonyURL(id, "/state"), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DownloadParams streams the current parameters into w and returns their
// hash as announced by the coordinator together with the round they are
// the input of.
func (c *Client) DownloadParams(ctx context.Context, id string, w io.Writer) (types.Hash, uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ceremonyURL(id, "/params/current"), nil)
	if err != nil {
		return types.Hash{}, 0, err
	}
	resp, err := c.do(req, nil)
	if err != nil {
		return types.Hash{}, 0, err
	}
	defer resp.Body.Close()

	hash, err := types.ParseHash(resp.Header.Get(headerParamsHash))
	if err != nil {
		return types.Hash{}, 0, fmt.Errorf("coordinator sent no parameter hash: %w", err)
	}
	round, err := strconv.ParseUint(resp.Header.Get(headerRound), 10, 64)
	if err != nil {
		return types.Hash{}, 0, fmt.Errorf("coordinator sent no round: %w", err)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return types.Hash{}, 0, fmt.Errorf("failed to download parameters: %w", err)
	}
	return hash, round, nil
}

// Submit uploads a contribution record with its output parameters. The
// parameters are streamed, never buffered whole.
func (c *Client) Submit(ctx context.Context, id string, rec types.Contribution, params *setup.Parameters) (*ContributionResponse, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeSubmission(mw, rec, params))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ceremonyURL(id, "/contributions"), pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out ContributionResponse
	if _, err := c.do(req, &out); err != nil {
		pr.Close()
		return nil, err
	}
	return &out, nil
}

func writeSubmission(mw *multipart.Writer, rec types.Contribution, params *setup.Parameters) error {
	part, err := mw.CreateFormField("record")
	if err != nil {
		return err
	}
	if err := json.NewEncoder(part).Encode(rec); err != nil {
		return err
	}
	part, err = mw.CreateFormFile("params", fmt.Sprintf("round-%d.params", rec.Round))
	if err != nil {
		return err
	}
	if _, err := params.WriteTo(part); err != nil {
		return err
	}
	return mw.Close()
}

// Transcript fetches a published transcript version; 0 means the latest.
func (c *Client) Transcript(ctx context.Context, id string, version uint64) (transcript.Version, error) {
	u := c.ceremonyURL(id, "/transcript")
	if version > 0 {
		u += "/" + strconv.FormatUint(version, 10)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return transcript.Version{}, err
	}
	resp, err := c.do(req, nil)
	if err != nil {
		return transcript.Version{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return transcript.Version{}, fmt.Errorf("failed to read transcript: %w", err)
	}
	number, err := strconv.ParseUint(resp.Header.Get(headerTranscriptVersion), 10, 64)
	if err != nil {
		return transcript.Version{}, fmt.Errorf("coordinator sent no transcript version: %w", err)
	}
	v := transcript.NewVersion(number, data)
	if announced := resp.Header.Get(headerTranscriptHash); announced != "" && announced != v.Hash.String() {
		return transcript.Version{}, fmt.Errorf("%w: transcript hashes to %s, coordinator announced %s",
			types.ErrChainMismatch, v.Hash, announced)
	}
	return v, nil
}

// Initialize creates a ceremony. Requires an operator token.
func (c *Client) Initialize(ctx context.Context, req InitRequest) (*StateResponse, error) {
	var out StateResponse
	if err := c.postJSON(ctx, c.baseURL+"/api/v1/ceremonies", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Skip skips the current round. Requires an operator token.
func (c *Client) Skip(ctx context.Context, id, reason string) (*StateResponse, error) {
	var out StateResponse
	if err := c.postJSON(ctx, c.ceremonyURL(id, "/skip"), SkipRequest{Reason: reason}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reassign assigns the current round to another participant. Requires an
// operator token.
func (c *Client) Reassign(ctx context.Context, id, participant, reason string) (*StateResponse, error) {
	var out StateResponse
	body := ReassignRequest{Participant: participant, Reason: reason}
	if err := c.postJSON(ctx, c.ceremonyURL(id, "/reassign"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Finalize seals the ceremony and returns the final key hashes. Requires
// an operator token.
func (c *Client) Finalize(ctx context.Context, id string) (*types.FinalKeys, error) {
	var out types.FinalKeys
	if err := c.postJSON(ctx, c.ceremonyURL(id, "/finalize"), struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Audit asks the coordinator to re-verify its latest transcript. Requires
// an operator token.
func (c *Client) Audit(ctx context.Context, id string) (*types.Report, error) {
	var out types.Report
	if err := c.getJSON(ctx, c.ceremonyURL(id, "/audit"), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddAttestation records an attestation reference. Requires an operator
// token.
func (c *Client) AddAttestation(ctx context.Context, id string, ref types.AttestationRef) (*StateResponse, error) {
	var out StateResponse
	if err := c.postJSON(ctx, c.ceremonyURL(id, "/attestations"), ref, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddAuditor records an independent auditor. Requires an operator token.
func (c *Client) AddAuditor(ctx context.Context, id, name string) (*StateResponse, error) {
	var out StateResponse
	if err := c.postJSON(ctx, c.ceremonyURL(id, "/auditors"), AuditorRequest{Name: name}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
