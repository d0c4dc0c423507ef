package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/switchboard-ai/switchboard/internal/pipeline"
	"github.com/switchboard-ai/switchboard/internal/protocol"
)

// AuthGateway validates the caller's API key against an external auth
// service and enriches the context with the resolved identity. It
// fails closed: an unreachable auth service denies the request.
type AuthGateway struct {
	serviceURL string
	timeout    time.Duration
	cache      *expirable.LRU[string, authVerdict]
	client     *http.Client
}

// authVerdict is a cached validation outcome.
type authVerdict struct {
	valid     bool
	keyID     string
	keyName   string
	userEmail string
	userSub   string
}

// authServiceResponse is the auth service's wire shape.
type authServiceResponse struct {
	Valid     bool   `json:"valid"`
	KeyID     string `json:"key_id"`
	KeyName   string `json:"key_name"`
	UserEmail string `json:"user_email"`
	UserSub   string `json:"user_sub"`
}

// NewAuthGateway returns an unconfigured instance.
func NewAuthGateway() *AuthGateway { return &AuthGateway{} }

func (p *AuthGateway) Name() string { return "auth-gateway" }

// ValidateConfig requires service_url before instantiation completes.
func (p *AuthGateway) ValidateConfig(config map[string]any) error {
	if u, _ := config["service_url"].(string); u == "" {
		return fmt.Errorf("service_url is required")
	}
	return nil
}

// Configure accepts {service_url, timeout (s), cache_size, cache_ttl (s)}.
func (p *AuthGateway) Configure(config map[string]any) error {
	p.serviceURL, _ = config["service_url"].(string)
	p.serviceURL = strings.TrimSuffix(p.serviceURL, "/")

	p.timeout = 5 * time.Second
	if v, ok := asInt(config["timeout"]); ok && v > 0 {
		p.timeout = time.Duration(v) * time.Second
	}
	cacheSize := 1024
	if v, ok := asInt(config["cache_size"]); ok && v > 0 {
		cacheSize = v
	}
	cacheTTL := 60 * time.Second
	if v, ok := asInt(config["cache_ttl"]); ok && v > 0 {
		cacheTTL = time.Duration(v) * time.Second
	}
	p.cache = expirable.NewLRU[string, authVerdict](cacheSize, nil, cacheTTL)
	p.client = &http.Client{Timeout: p.timeout}
	return nil
}

// BeforeModel validates the key, strips x-auth-*/x-user-* headers from
// the forwarded request, and enriches user identity.
func (p *AuthGateway) BeforeModel(ctx context.Context, rc *pipeline.RequestContext) pipeline.Result {
	apiKey := ""
	method, path := "", ""
	if rc.HTTPRequest != nil {
		apiKey = strings.TrimPrefix(rc.HTTPRequest.Header("Authorization"), "Bearer ")
		if apiKey == "" {
			apiKey = rc.HTTPRequest.Header("X-API-Key")
		}
		method = rc.HTTPRequest.Method
		path = rc.HTTPRequest.URL
	}
	if apiKey == "" {
		return unauthorized("missing API key")
	}

	cacheKey := apiKey + "\x00" + method + "\x00" + path
	verdict, hit := p.cache.Get(cacheKey)
	if !hit {
		var result pipeline.Result
		verdict, result = p.validate(ctx, apiKey)
		if result.Terminate {
			return result
		}
		// Only successful lookups populate the cache, so hits always
		// correspond to a prior definitive answer for the same triple.
		p.cache.Add(cacheKey, verdict)
	}
	if !verdict.valid {
		return unauthorized("invalid API key")
	}

	return pipeline.OKWith(&pipeline.ContextPatch{
		UserID:  verdict.userSub,
		Headers: sanitizeHeaders(rc.HTTPRequest),
		Metadata: map[string]any{
			"auth_key_id":     verdict.keyID,
			"auth_key_name":   verdict.keyName,
			"auth_user_email": verdict.userEmail,
			"auth_user_sub":   verdict.userSub,
		},
	})
}

// validate calls GET /api/keys/validate. 200 and 401/400 are
// definitive; everything else means the auth service is unavailable
// and the request is denied with 503.
func (p *AuthGateway) validate(ctx context.Context, apiKey string) (authVerdict, pipeline.Result) {
	endpoint := p.serviceURL + "/api/keys/validate?key=" + url.QueryEscape(apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return authVerdict{}, serviceUnavailable(err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		logrus.WithError(err).Warn("Auth service unreachable")
		return authVerdict{}, serviceUnavailable(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		payload, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if err != nil {
			return authVerdict{}, serviceUnavailable(err)
		}
		var body authServiceResponse
		if err := json.Unmarshal(payload, &body); err != nil {
			return authVerdict{}, serviceUnavailable(err)
		}
		return authVerdict{
			valid:     body.Valid,
			keyID:     body.KeyID,
			keyName:   body.KeyName,
			userEmail: body.UserEmail,
			userSub:   body.UserSub,
		}, pipeline.Result{Success: true}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest:
		return authVerdict{valid: false}, pipeline.Result{Success: true}
	default:
		logrus.WithField("status", resp.StatusCode).Warn("Auth service returned unexpected status")
		return authVerdict{}, serviceUnavailable(fmt.Errorf("auth service returned %d", resp.StatusCode))
	}
}

// sanitizeHeaders returns a fresh header map with every x-auth-* and
// x-user-* header removed, case-insensitively.
func sanitizeHeaders(info *pipeline.HTTPRequestInfo) map[string]string {
	if info == nil {
		return nil
	}
	out := make(map[string]string, len(info.Headers))
	for k, v := range info.Headers {
		lower := strings.ToLower(k)
		if strings.HasPrefix(lower, "x-auth-") || strings.HasPrefix(lower, "x-user-") {
			continue
		}
		out[k] = v
	}
	return out
}

func serviceUnavailable(err error) pipeline.Result {
	return pipeline.Terminate(http.StatusServiceUnavailable,
		&protocol.GatewayError{
			Kind:    protocol.ErrKindAuthUnavailable,
			Status:  http.StatusServiceUnavailable,
			Message: "auth service unavailable",
			Cause:   err,
		})
}

// asInt tolerates the numeric types YAML and JSON decoding produce.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
