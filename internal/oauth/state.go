package oauth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	dErrors "hookbridge/pkg/domain-errors"
	"hookbridge/pkg/secrets"
)

// Flow names which provisioning phase a round-tripped state belongs to.
type Flow string

const (
	// FlowUser is phase A: validate the browsing user with read-only scope.
	FlowUser Flow = "user"
	// FlowAgent is phase B: an admin authorizing the elevated org credential.
	FlowAgent Flow = "agent"
)

// stateTTL bounds how long a provisioning round-trip may take. Anything
// slower than this is a stuck or replayed flow.
const stateTTL = 15 * time.Minute

// State is everything the controller needs to resume a flow on the provider's
// callback. It is never stored server-side; the signed token carries it out
// through the provider and back.
type State struct {
	CSRF           string
	Callback       string
	Flow           Flow
	OrganizationID string
}

type stateClaims struct {
	CSRF           string `json:"csrf"`
	Callback       string `json:"callback,omitempty"`
	Flow           string `json:"flow"`
	OrganizationID string `json:"orgId,omitempty"`
	jwt.RegisteredClaims
}

// StateCodec signs and verifies OAuth state tokens. Signing binds the state
// to this controller so a callback cannot be forged with attacker-chosen
// callback URLs or org ids.
type StateCodec struct {
	signingKey []byte
	now        func() time.Time
}

// NewStateCodec derives a dedicated signing key from the configured secret.
func NewStateCodec(secret string) (*StateCodec, error) {
	key, err := secrets.DeriveKey([]byte(secret), "oauth-state", 32)
	if err != nil {
		return nil, err
	}
	return &StateCodec{signingKey: key, now: time.Now}, nil
}

// Encode produces the signed state parameter for an authorization redirect.
func (c *StateCodec) Encode(state State) (string, error) {
	if state.CSRF == "" {
		return "", dErrors.New(dErrors.CodeValidation, "state requires a csrf token")
	}
	if state.Flow != FlowUser && state.Flow != FlowAgent {
		return "", dErrors.New(dErrors.CodeValidation, "state requires a known flow")
	}

	now := c.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, stateClaims{
		CSRF:           state.CSRF,
		Callback:       state.Callback,
		Flow:           string(state.Flow),
		OrganizationID: state.OrganizationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "hookbridge",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		},
	})

	signed, err := token.SignedString(c.signingKey)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign state")
	}
	return signed, nil
}

// Decode verifies the signature and expiry of a returned state parameter.
func (c *StateCodec) Decode(raw string) (*State, error) {
	claims := &stateClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, dErrors.New(dErrors.CodeProtocol, "unexpected state signing method")
		}
		return c.signingKey, nil
	}, jwt.WithTimeFunc(func() time.Time { return c.now() }))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeProtocol, "invalid state parameter")
	}
	if !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeProtocol, "invalid state parameter")
	}

	flow := Flow(claims.Flow)
	if flow != FlowUser && flow != FlowAgent {
		return nil, dErrors.New(dErrors.CodeProtocol, "unknown flow in state")
	}

	return &State{
		CSRF:           claims.CSRF,
		Callback:       claims.Callback,
		Flow:           flow,
		OrganizationID: claims.OrganizationID,
	}, nil
}
