package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/mukernel/pkg/authority"
	"github.com/Mindburn-Labs/mukernel/pkg/crypto"
)

// Escalation verifier kinds.
const (
	VerifierReason = "reason"
	VerifierJWT    = "jwt"
	VerifierCEL    = "cel"
)

// EscalationConfig configures the verifier guarding the step into each
// level.
//
//	escalation:
//	  elevated:
//	    verifiers: [jwt, cel]
//	    jwt_public_key: 3b6a27bc...
//	    policy: 'has(justification.ticket)'
type EscalationConfig struct {
	Authenticated StepConfig `yaml:"authenticated"`
	Elevated      StepConfig `yaml:"elevated"`
	System        StepConfig `yaml:"system"`
}

// StepConfig lists the verifiers of one step; all of them must accept. An
// empty list disables the step.
type StepConfig struct {
	Verifiers []string `yaml:"verifiers"`
	// JWTSecret is an HMAC key; JWTPublicKey a hex Ed25519 key. Exactly one
	// is required by the jwt verifier.
	JWTSecret    string `yaml:"jwt_secret"`
	JWTPublicKey string `yaml:"jwt_public_key"`
	JWTIssuer    string `yaml:"jwt_issuer"`
	// Policy is the CEL expression of the cel verifier.
	Policy string `yaml:"policy"`
}

func defaultEscalation() EscalationConfig {
	reason := StepConfig{Verifiers: []string{VerifierReason}}
	return EscalationConfig{Authenticated: reason, Elevated: reason, System: reason}
}

func (e *EscalationConfig) steps() []struct {
	level authority.Level
	step  *StepConfig
} {
	return []struct {
		level authority.Level
		step  *StepConfig
	}{
		{authority.LevelAuthenticated, &e.Authenticated},
		{authority.LevelElevated, &e.Elevated},
		{authority.LevelSystem, &e.System},
	}
}

// Transitions builds the escalation verifiers. Steps without verifiers are
// left out, so escalating into them is rejected.
func (c *Config) Transitions() (authority.Transitions, error) {
	t := authority.Transitions{}
	var errs []error
	for _, s := range c.Escalation.steps() {
		v, err := s.step.build()
		if err != nil {
			errs = append(errs, fmt.Errorf("escalation.%s: %w", s.level, err))
			continue
		}
		if v != nil {
			t[s.level] = v
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *StepConfig) build() (authority.Verifier, error) {
	var chain authority.Chain
	for _, kind := range s.Verifiers {
		switch strings.ToLower(strings.TrimSpace(kind)) {
		case VerifierReason:
			chain = append(chain, authority.RequireReason)
		case VerifierJWT:
			v, err := s.jwt()
			if err != nil {
				return nil, err
			}
			chain = append(chain, v)
		case VerifierCEL:
			if s.Policy == "" {
				return nil, errors.New("cel verifier requires policy")
			}
			v, err := authority.NewPolicyVerifier(s.Policy)
			if err != nil {
				return nil, err
			}
			chain = append(chain, v)
		default:
			return nil, fmt.Errorf("verifier %q: want reason, jwt or cel", kind)
		}
	}
	switch len(chain) {
	case 0:
		return nil, nil
	case 1:
		return chain[0], nil
	default:
		return chain, nil
	}
}

func (s *StepConfig) jwt() (*authority.JWTVerifier, error) {
	var opts []authority.JWTOption
	if s.JWTIssuer != "" {
		opts = append(opts, authority.WithIssuer(s.JWTIssuer))
	}
	switch {
	case s.JWTSecret != "" && s.JWTPublicKey != "":
		return nil, errors.New("jwt verifier takes jwt_secret or jwt_public_key, not both")
	case s.JWTSecret != "":
		return authority.NewJWTVerifier([]byte(s.JWTSecret), opts...)
	case s.JWTPublicKey != "":
		pub, err := crypto.ParsePublicKey(s.JWTPublicKey)
		if err != nil {
			return nil, fmt.Errorf("jwt_public_key: %w", err)
		}
		return authority.NewJWTVerifier(pub, opts...)
	default:
		return nil, errors.New("jwt verifier requires jwt_secret or jwt_public_key")
	}
}

func (e *envReader) escalation(c *EscalationConfig) {
	for _, s := range c.steps() {
		prefix := "MUKERNEL_ESCALATION_" + strings.ToUpper(s.level.String()) + "_"
		e.list(prefix+"VERIFIERS", &s.step.Verifiers)
		e.string(prefix+"JWT_SECRET", &s.step.JWTSecret)
		e.string(prefix+"JWT_PUBLIC_KEY", &s.step.JWTPublicKey)
		e.string(prefix+"JWT_ISSUER", &s.step.JWTIssuer)
		e.string(prefix+"POLICY", &s.step.Policy)
	}
}

func (e *envReader) list(key string, dst *[]string) {
	if v, ok := lookup(key); ok {
		var out []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}
