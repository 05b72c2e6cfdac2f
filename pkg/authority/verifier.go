package authority

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/cel-go/cel"
)

// EscalationClaims is the credential shape accepted by JWTVerifier.
type EscalationClaims struct {
	jwt.RegisteredClaims
	// Authority names the level the credential grants entry into.
	Authority string `json:"authority"`
}

// JWTVerifier accepts a justification whose Credential is a JWT signed by
// the configured key, issued to the agent, and granting the target level.
type JWTVerifier struct {
	key     any
	methods []string
	issuer  string
	now     func() time.Time
}

// JWTOption configures a JWTVerifier.
type JWTOption func(*JWTVerifier)

// WithIssuer requires the iss claim to equal iss.
func WithIssuer(iss string) JWTOption {
	return func(v *JWTVerifier) { v.issuer = iss }
}

// WithTimeFunc overrides the clock used for exp/nbf checks.
func WithTimeFunc(now func() time.Time) JWTOption {
	return func(v *JWTVerifier) { v.now = now }
}

// NewJWTVerifier builds a verifier for an HMAC secret ([]byte) or an
// Ed25519 public key.
func NewJWTVerifier(key any, opts ...JWTOption) (*JWTVerifier, error) {
	v := &JWTVerifier{key: key, now: time.Now}
	switch k := key.(type) {
	case []byte:
		if len(k) == 0 {
			return nil, errors.New("authority: empty HMAC key")
		}
		v.methods = []string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}
	case ed25519.PublicKey:
		if len(k) != ed25519.PublicKeySize {
			return nil, errors.New("authority: bad ed25519 public key")
		}
		v.methods = []string{jwt.SigningMethodEdDSA.Alg()}
	default:
		return nil, fmt.Errorf("authority: unsupported JWT key type %T", key)
	}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

func (v *JWTVerifier) Verify(_ context.Context, req Request) error {
	raw := strings.TrimSpace(req.Justification.Credential)
	if raw == "" {
		return errors.New("credential required")
	}
	popts := []jwt.ParserOption{
		jwt.WithValidMethods(v.methods),
		jwt.WithSubject(req.AgentID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		popts = append(popts, jwt.WithIssuer(v.issuer))
	}

	claims := &EscalationClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, popts...)
	if err != nil {
		return fmt.Errorf("credential: %w", err)
	}
	if !token.Valid {
		return jwt.ErrTokenSignatureInvalid
	}
	granted, err := ParseLevel(claims.Authority)
	if err != nil {
		return fmt.Errorf("credential: %w", err)
	}
	if granted != req.To {
		return fmt.Errorf("credential grants %s, not %s", granted, req.To)
	}
	return nil
}

// PolicyVerifier evaluates a CEL boolean expression. Available variables:
// justification (map with reason, credential_present and every attribute),
// agent_id, from, to.
type PolicyVerifier struct {
	expr string
	prg  cel.Program
}

// NewPolicyVerifier compiles expr.
func NewPolicyVerifier(expr string) (*PolicyVerifier, error) {
	env, err := cel.NewEnv(
		cel.Variable("justification", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("agent_id", cel.StringType),
		cel.Variable("from", cel.StringType),
		cel.Variable("to", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("authority: cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("authority: compile policy: %w", issues.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("authority: policy must return bool, got %s", t)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("authority: program: %w", err)
	}
	return &PolicyVerifier{expr: expr, prg: prg}, nil
}

func (p *PolicyVerifier) Verify(ctx context.Context, req Request) error {
	j := make(map[string]any, len(req.Justification.Attributes)+2)
	for k, val := range req.Justification.Attributes {
		j[k] = val
	}
	j["reason"] = req.Justification.Reason
	j["credential_present"] = req.Justification.Credential != ""

	out, _, err := p.prg.ContextEval(ctx, map[string]any{
		"justification": j,
		"agent_id":      req.AgentID,
		"from":          req.From.String(),
		"to":            req.To.String(),
	})
	if err != nil {
		return fmt.Errorf("policy eval: %w", err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool || !ok {
		return fmt.Errorf("policy denied: %s", p.expr)
	}
	return nil
}

// Chain requires every verifier to accept.
type Chain []Verifier

func (c Chain) Verify(ctx context.Context, req Request) error {
	if len(c) == 0 {
		return errors.New("empty verifier chain")
	}
	for _, v := range c {
		if err := v.Verify(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// RequireReason accepts any justification with a non-empty reason.
var RequireReason = VerifierFunc(func(_ context.Context, req Request) error {
	if strings.TrimSpace(req.Justification.Reason) == "" {
		return errors.New("reason required")
	}
	return nil
})
