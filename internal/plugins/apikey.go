package plugins

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/switchboard-ai/switchboard/internal/pipeline"
	"github.com/switchboard-ai/switchboard/internal/protocol"
)

// APIKeyAuth checks the caller's credential against a static key list.
// When jwt_secret is configured, an HS256-signed bearer token is also
// accepted and its subject becomes the user id.
type APIKeyAuth struct {
	keys      map[string]bool
	jwtSecret []byte
}

// NewAPIKeyAuth returns an unconfigured instance.
func NewAPIKeyAuth() *APIKeyAuth { return &APIKeyAuth{} }

func (p *APIKeyAuth) Name() string { return "basic-api-key-auth" }

// Configure accepts {keys: [...], jwt_secret: "..."}.
func (p *APIKeyAuth) Configure(config map[string]any) error {
	p.keys = make(map[string]bool)
	if raw, ok := config["keys"].([]any); ok {
		for _, k := range raw {
			if s, ok := k.(string); ok && s != "" {
				p.keys[s] = true
			}
		}
	}
	if secret, ok := config["jwt_secret"].(string); ok && secret != "" {
		p.jwtSecret = []byte(secret)
	}
	if len(p.keys) == 0 && p.jwtSecret == nil {
		return fmt.Errorf("at least one of keys or jwt_secret is required")
	}
	return nil
}

// BeforeModel validates Authorization (with optional Bearer prefix) or
// X-API-Key.
func (p *APIKeyAuth) BeforeModel(ctx context.Context, rc *pipeline.RequestContext) pipeline.Result {
	credential := ""
	if rc.HTTPRequest != nil {
		credential = rc.HTTPRequest.Header("Authorization")
		credential = strings.TrimPrefix(credential, "Bearer ")
		if credential == "" {
			credential = rc.HTTPRequest.Header("X-API-Key")
		}
	}
	if credential == "" {
		return unauthorized("missing API key")
	}
	if p.keys[credential] {
		return pipeline.OK()
	}
	if p.jwtSecret != nil {
		if sub, ok := p.verifyJWT(credential); ok {
			return pipeline.OKWith(&pipeline.ContextPatch{UserID: sub})
		}
	}
	return unauthorized("invalid API key")
}

func (p *APIKeyAuth) verifyJWT(token string) (string, bool) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return "", false
	}
	sub, _ := parsed.Claims.GetSubject()
	return sub, true
}

func unauthorized(msg string) pipeline.Result {
	return pipeline.Terminate(http.StatusUnauthorized,
		protocol.NewGatewayError(protocol.ErrKindUnauthorized, http.StatusUnauthorized, msg))
}
