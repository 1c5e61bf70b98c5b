package counter_store

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

	"golang.org/x/time/rate"
)

const (
	// DefaultTable is the table holding one row per book.
	DefaultTable = "books"
	// DefaultIncrementFunction is the stored procedure performing the atomic increment.
	DefaultIncrementFunction = "increment_download_count"
	// DefaultTimeout bounds a single HTTP round trip.
	DefaultTimeout = 10 * time.Second

	// codeNoRows is the PostgREST error code for a single-object request matching zero rows.
	codeNoRows = "PGRST116"

	mediaTypeObject = "application/vnd.pgrst.object+json"
)

// InvalidUrlError is returned when the base URL of the store cannot be used.
type InvalidUrlError string

func (e InvalidUrlError) Error() string {
	return "invalid URL " + strconv.Quote(string(e)) + " in base_url"
}

// PostgrestStore is a Store backed by a PostgREST endpoint (for example a Supabase project).
type PostgrestStore struct {
	apiKey      string        // Sent as both apikey and bearer token
	scheme      string        // URL scheme (http or https)
	hostname    string        // Host and optional port
	basePath    string        // Path prefix in front of /rest/v1
	table       string        // Table holding the counters
	incrementFn string        // RPC name of the atomic increment
	httpClient  *http.Client  // Client used for every request
	limiter     *rate.Limiter // Optional client-side request rate limit
}

// PostgrestOption configures a PostgrestStore.
type PostgrestOption func(*PostgrestStore)

// WithTable sets the counter table name.
func WithTable(table string) PostgrestOption {
	return func(s *PostgrestStore) {
		if table != "" {
			s.table = table
		}
	}
}

// WithIncrementFunction sets the name of the increment stored procedure.
func WithIncrementFunction(name string) PostgrestOption {
	return func(s *PostgrestStore) {
		if name != "" {
			s.incrementFn = name
		}
	}
}

// WithHTTPClient sends requests through a copy of c, so later options such as
// WithTimeout do not modify the caller's client. A nil c is ignored.
func WithHTTPClient(c *http.Client) PostgrestOption {
	return func(s *PostgrestStore) {
		if c == nil {
			return
		}
		client := *c
		s.httpClient = &client
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) PostgrestOption {
	return func(s *PostgrestStore) {
		if d > 0 {
			s.httpClient.Timeout = d
		}
	}
}

// WithRateLimit limits outgoing requests to perSecond with the given burst.
// A non-positive perSecond disables limiting.
func WithRateLimit(perSecond float64, burst int) PostgrestOption {
	return func(s *PostgrestStore) {
		if perSecond <= 0 {
			s.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewPostgrestStore creates a store talking to the PostgREST API under baseURL
// (e.g. "https://project.supabase.co"). The apiKey may be empty for open endpoints.
// Returns InvalidUrlError if baseURL is not an absolute http(s) URL.
func NewPostgrestStore(baseURL string, apiKey string, opts ...PostgrestOption) (*PostgrestStore, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, InvalidUrlError(err.Error())
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, InvalidUrlError(baseURL)
	}
	if parsed.Host == "" {
		return nil, InvalidUrlError(baseURL)
	}
	s := &PostgrestStore{
		apiKey:      apiKey,
		scheme:      parsed.Scheme,
		hostname:    parsed.Host,
		basePath:    strings.TrimSuffix(parsed.Path, "/"),
		table:       DefaultTable,
		incrementFn: DefaultIncrementFunction,
		httpClient:  &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// apiRequest describes a single PostgREST call.
type apiRequest struct {
	op       string            // Operation name used in errors
	method   string            // HTTP method
	endpoint string            // Path below /rest/v1/
	params   map[string]string // Query parameters
	body     any               // JSON request body, nil for none
	object   bool              // Ask for a single JSON object instead of an array
	prefer   string            // Value of the Prefer header, if any
}

// postgrestError is the error body returned by PostgREST.
type postgrestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

// buildUrl constructs the URL for a REST endpoint with the specified query parameters.
func (s *PostgrestStore) buildUrl(endpoint string, params map[string]string) *url.URL {
	reqUrl := &url.URL{
		Scheme: s.scheme,
		Host:   s.hostname,
		Path:   s.basePath + "/rest/v1/" + endpoint,
	}
	query := reqUrl.Query()
	for param, value := range params {
		query.Set(param, value)
	}
	reqUrl.RawQuery = query.Encode()
	return reqUrl
}

// httpRequest sends req and returns the raw response.
// Transport failures are reported as KindRemoteUnavailable.
func (s *PostgrestStore) httpRequest(ctx context.Context, req apiRequest) (*http.Response, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, unavailable(req.op, err)
		}
	}

	var body io.Reader
	if req.body != nil {
		encoded, err := json.Marshal(req.body)
		if err != nil {
			return nil, &RemoteError{Kind: KindUnexpected, Op: req.op, Message: "encode request", Err: err}
		}
		body = bytes.NewReader(encoded)
	}

	reqUrl := s.buildUrl(req.endpoint, req.params)
	httpReq, err := http.NewRequestWithContext(ctx, req.method, reqUrl.String(), body)
	if err != nil {
		return nil, &RemoteError{Kind: KindUnexpected, Op: req.op, Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.object {
		httpReq.Header.Set("Accept", mediaTypeObject)
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	if req.prefer != "" {
		httpReq.Header.Set("Prefer", req.prefer)
	}
	if s.apiKey != "" {
		httpReq.Header.Set("apikey", s.apiKey)
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	res, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, unavailable(req.op, err)
	}
	return res, nil
}

// processAPIResponse reads the response body and maps error statuses.
// If v is not nil the body of a successful response is decoded into it.
// A single-object request matching no rows yields ErrNotFound.
func (s *PostgrestStore) processAPIResponse(op string, res *http.Response, v any) ([]byte, error) {
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, unavailable(op, err)
	}

	if res.StatusCode >= http.StatusBadRequest {
		var perr postgrestError
		_ = json.Unmarshal(body, &perr)
		if res.StatusCode == http.StatusNotAcceptable && perr.Code == codeNoRows {
			return body, ErrNotFound
		}
		return body, &RemoteError{
			Kind:       statusKind(res.StatusCode),
			Op:         op,
			StatusCode: res.StatusCode,
			Code:       perr.Code,
			Message:    perr.Message,
		}
	}

	if v != nil {
		if err := json.Unmarshal(body, v); err != nil {
			return body, &RemoteError{Kind: KindUnexpected, Op: op, StatusCode: res.StatusCode, Message: "decode response", Err: err}
		}
	}
	return body, nil
}

// callAPI sends req and processes the response in one step.
func (s *PostgrestStore) callAPI(ctx context.Context, req apiRequest, v any) ([]byte, error) {
	res, err := s.httpRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.processAPIResponse(req.op, res, v)
}

// countRow is the projection selected from the counter table.
type countRow struct {
	DownloadCount int64 `json:"download_count"`
}

// ReadCount fetches the download_count column of the row with id itemID.
func (s *PostgrestStore) ReadCount(ctx context.Context, itemID ItemID) (CounterRecord, error) {
	req := apiRequest{
		op:       "read",
		method:   http.MethodGet,
		endpoint: s.table,
		params: map[string]string{
			"id":     "eq." + itemID.String(),
			"select": "download_count",
		},
		object: true,
	}
	var row countRow
	if _, err := s.callAPI(ctx, req, &row); err != nil {
		if errors.Is(err, ErrNotFound) {
			return CounterRecord{}, notFound(itemID)
		}
		return CounterRecord{}, err
	}
	return CounterRecord{ItemID: itemID, Count: row.DownloadCount}, nil
}

// CreateCount inserts a row for itemID and returns the stored representation.
func (s *PostgrestStore) CreateCount(ctx context.Context, itemID ItemID, initial int64) (CounterRecord, error) {
	if initial < 0 {
		return CounterRecord{}, &RemoteError{Kind: KindUnexpected, Op: "create", Message: fmt.Sprintf("negative initial count %d", initial)}
	}
	req := apiRequest{
		op:       "create",
		method:   http.MethodPost,
		endpoint: s.table,
		params:   map[string]string{"select": "download_count"},
		body:     CounterRecord{ItemID: itemID, Count: initial},
		object:   true,
		prefer:   "return=representation",
	}
	var row countRow
	if _, err := s.callAPI(ctx, req, &row); err != nil {
		return CounterRecord{}, err
	}
	return CounterRecord{ItemID: itemID, Count: row.DownloadCount}, nil
}

// incrementParams is the argument object of the increment stored procedure.
type incrementParams struct {
	BookID ItemID `json:"book_id_to_update"`
}

// IncrementCount calls the increment stored procedure for itemID.
// If the procedure returns an integer it is reported as the new count.
func (s *PostgrestStore) IncrementCount(ctx context.Context, itemID ItemID) (int64, error) {
	req := apiRequest{
		op:       "increment",
		method:   http.MethodPost,
		endpoint: "rpc/" + s.incrementFn,
		body:     incrementParams{BookID: itemID},
	}
	body, err := s.callAPI(ctx, req, nil)
	if err != nil {
		return 0, err
	}
	return parseReportedCount(body), nil
}

// parseReportedCount interprets the body returned by the increment procedure.
func parseReportedCount(body []byte) int64 {
	text := strings.TrimSpace(string(body))
	if text == "" || text == "null" {
		return UnknownCount
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil || n < 0 {
		return UnknownCount
	}
	return n
}
