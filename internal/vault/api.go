package vault

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ripline/ripline/internal/httpclient"
)

// Response codes of the remote vault wire protocol.
const (
	apiCodeOK             = 0
	apiCodeAuthRejected   = 1
	apiCodeRateLimited    = 2
	apiCodeInvalidService = 3
	apiCodeInvalidKID     = 4
	apiCodeInvalidKey     = 5
)

// apiResponse is the envelope every remote vault endpoint answers with.
type apiResponse struct {
	Code        int               `json:"code"`
	Message     string            `json:"message,omitempty"`
	ContentKey  string            `json:"content_key,omitempty"`
	ContentKeys map[string]string `json:"content_keys,omitempty"`
	Pages       int               `json:"pages,omitempty"`
	Added       int               `json:"added,omitempty"`
	ServiceList []string          `json:"service_list,omitempty"`
}

func (r *apiResponse) err() error {
	switch r.Code {
	case apiCodeOK:
		return nil
	case apiCodeAuthRejected:
		return fmt.Errorf("%w: %s", ErrNoPermission, r.Message)
	case apiCodeRateLimited:
		return fmt.Errorf("%w: %s", ErrRateLimited, r.Message)
	case apiCodeInvalidService:
		return fmt.Errorf("%w: %s", ErrInvalidService, r.Message)
	case apiCodeInvalidKID:
		return fmt.Errorf("%w: %s", ErrInvalidKID, r.Message)
	case apiCodeInvalidKey:
		return fmt.Errorf("%w: %s", ErrInvalidKey, r.Message)
	default:
		return fmt.Errorf("vault api error %d: %s", r.Code, r.Message)
	}
}

// API is a vault reached over HTTP, speaking the shared key-vault wire
// protocol also served by the vaultapi package.
type API struct {
	name   string
	uri    string
	token  string
	client *httpclient.Client
}

// NewAPI creates a remote vault client. uri is the server base URL.
func NewAPI(name, uri, token string, client *httpclient.Client) *API {
	if client == nil {
		client = httpclient.NewWithDefaults()
	}
	return &API{
		name:   name,
		uri:    strings.TrimRight(uri, "/"),
		token:  token,
		client: client,
	}
}

// Name implements Vault.
func (a *API) Name() string { return a.name }

func (a *API) header() http.Header {
	h := http.Header{}
	if a.token != "" {
		h.Set("Authorization", "Bearer "+a.token)
	}
	return h
}

// GetKey implements Vault. An unknown KID is a miss, not an error.
func (a *API) GetKey(ctx context.Context, service string, kid uuid.UUID) (string, error) {
	var resp apiResponse
	endpoint := fmt.Sprintf("%s/%s/%s", a.uri, url.PathEscape(service), KIDHex(kid))
	if err := a.client.DoJSON(ctx, http.MethodGet, endpoint, a.header(), nil, &resp); err != nil {
		return "", fmt.Errorf("vault %s: %w", a.name, err)
	}
	if resp.Code == apiCodeInvalidKID {
		return "", nil
	}
	if err := resp.err(); err != nil {
		return "", fmt.Errorf("vault %s: %w", a.name, err)
	}
	if IsNullKey(resp.ContentKey) {
		return "", nil
	}
	return resp.ContentKey, nil
}

// GetKeys implements Vault, paging through the service's full key list.
func (a *API) GetKeys(ctx context.Context, service string) (map[string]string, error) {
	keys := make(map[string]string)
	for page := 1; ; page++ {
		var resp apiResponse
		endpoint := fmt.Sprintf("%s/%s?page=%s", a.uri, url.PathEscape(service), strconv.Itoa(page))
		if err := a.client.DoJSON(ctx, http.MethodGet, endpoint, a.header(), nil, &resp); err != nil {
			return nil, fmt.Errorf("vault %s: %w", a.name, err)
		}
		if resp.Code == apiCodeInvalidService {
			return keys, nil
		}
		if err := resp.err(); err != nil {
			return nil, fmt.Errorf("vault %s: %w", a.name, err)
		}
		for kid, key := range resp.ContentKeys {
			if IsNullKey(key) {
				continue
			}
			keys[strings.ToLower(kid)] = key
		}
		if page >= resp.Pages {
			break
		}
	}
	return keys, nil
}

// AddKey implements Vault.
func (a *API) AddKey(ctx context.Context, service string, kid uuid.UUID, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	var resp apiResponse
	endpoint := fmt.Sprintf("%s/%s/%s", a.uri, url.PathEscape(service), KIDHex(kid))
	body := map[string]string{"content_key": key}
	if err := a.client.DoJSON(ctx, http.MethodPost, endpoint, a.header(), body, &resp); err != nil {
		return false, fmt.Errorf("vault %s: %w", a.name, err)
	}
	if err := resp.err(); err != nil {
		return false, fmt.Errorf("vault %s: %w", a.name, err)
	}
	return resp.Added > 0, nil
}

// AddKeys implements Vault.
func (a *API) AddKeys(ctx context.Context, service string, keys map[uuid.UUID]string) (int, error) {
	for kid, key := range keys {
		if err := ValidateKey(key); err != nil {
			return 0, fmt.Errorf("key for %s: %w", KIDHex(kid), err)
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}
	payload := make(map[string]string, len(keys))
	for kid, key := range keys {
		payload[KIDHex(kid)] = key
	}
	var resp apiResponse
	endpoint := fmt.Sprintf("%s/%s", a.uri, url.PathEscape(service))
	body := map[string]map[string]string{"content_keys": payload}
	if err := a.client.DoJSON(ctx, http.MethodPost, endpoint, a.header(), body, &resp); err != nil {
		return 0, fmt.Errorf("vault %s: %w", a.name, err)
	}
	if err := resp.err(); err != nil {
		return 0, fmt.Errorf("vault %s: %w", a.name, err)
	}
	return resp.Added, nil
}

// Services implements Vault.
func (a *API) Services(ctx context.Context) ([]string, error) {
	var resp apiResponse
	if err := a.client.DoJSON(ctx, http.MethodPost, a.uri+"/", a.header(), nil, &resp); err != nil {
		return nil, fmt.Errorf("vault %s: %w", a.name, err)
	}
	if err := resp.err(); err != nil {
		return nil, fmt.Errorf("vault %s: %w", a.name, err)
	}
	return resp.ServiceList, nil
}
