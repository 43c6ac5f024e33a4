// Package token mints and verifies the execution-token claims that
// authenticate remote containers back to the engine. Tokens are HS256-signed,
// scoped to a single execution and live at most one hour.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Issuer and Audience are fixed by the wire contract.
	Issuer   = "foundry"
	Audience = "foundry-container"

	typeExecution = "execution"

	// MaxTTL caps token lifetime; remote runs are bounded.
	MaxTTL = time.Hour
)

// Claims is the verified content of an execution token.
type Claims struct {
	ExecutionID string
	WorkflowID  string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Manager signs and verifies execution tokens with the process-wide secret.
type Manager struct {
	secret []byte
	ttl    time.Duration
}

// NewManager builds a Manager. TTLs above MaxTTL (or non-positive) collapse
// to MaxTTL.
func NewManager(secret string, ttl time.Duration) (*Manager, error) {
	if secret == "" {
		return nil, fmt.Errorf("token secret is empty")
	}
	if ttl <= 0 || ttl > MaxTTL {
		ttl = MaxTTL
	}
	return &Manager{secret: []byte(secret), ttl: ttl}, nil
}

// Mint issues a token scoped to one execution.
func (m *Manager) Mint(executionID, workflowID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":         Issuer,
		"aud":         Audience,
		"iat":         now.Unix(),
		"exp":         now.Add(m.ttl).Unix(),
		"executionId": executionID,
		"workflowId":  workflowID,
		"type":        typeExecution,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign execution token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, issuer, audience, expiry and claim type, and
// returns the embedded scope.
func (m *Manager) Verify(tokenString string) (*Claims, error) {
	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("parse execution token: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid execution token")
	}

	if typ, _ := claims["type"].(string); typ != typeExecution {
		return nil, fmt.Errorf("unexpected token type %q", claims["type"])
	}
	executionID, _ := claims["executionId"].(string)
	if executionID == "" {
		return nil, fmt.Errorf("execution token has no executionId claim")
	}
	workflowID, _ := claims["workflowId"].(string)

	out := &Claims{ExecutionID: executionID, WorkflowID: workflowID}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}
