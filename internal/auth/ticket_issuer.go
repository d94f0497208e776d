package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTicketTTL      = time.Minute
	defaultTicketAudience = "canvas-realtime"
)

var (
	ErrMissingTicketSigningKey = errors.New("ticket issuer: signing key required")
	ErrMissingTicketIssuer     = errors.New("ticket issuer: issuer required")
	ErrInvalidTicket           = errors.New("ticket issuer: invalid ticket")
	ErrMissingTicketSubject    = errors.New("ticket issuer: subject required")
)

// Principal is the identity a realtime connection acts as.
type Principal struct {
	UserID      string
	DisplayName string
	Color       string
}

// TicketClaims is the payload of a realtime ticket.
type TicketClaims struct {
	DisplayName string `json:"display_name"`
	Color       string `json:"color"`
	jwt.RegisteredClaims
}

// TicketIssuerConfig configures the realtime ticket issuer.
type TicketIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TTL           time.Duration
	Clock         func() time.Time
}

// TicketIssuer issues short-lived tickets that authorize one WebSocket upgrade. Browsers
// cannot attach headers to the upgrade request, so the ticket travels in the query string.
type TicketIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	ttl           time.Duration
	clock         func() time.Time
}

// NewTicketIssuer constructs a TicketIssuer.
func NewTicketIssuer(cfg TicketIssuerConfig) (*TicketIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingTicketSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingTicketIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultTicketAudience
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTicketTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TicketIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// Issue signs a ticket for principal and returns it with its expiry.
func (i *TicketIssuer) Issue(principal Principal) (string, time.Time, error) {
	if strings.TrimSpace(principal.UserID) == "" {
		return "", time.Time{}, ErrMissingTicketSubject
	}
	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, TicketClaims{
		DisplayName: principal.DisplayName,
		Color:       principal.Color,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.UserID,
			Issuer:    i.issuer,
			Audience:  []string{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Validate checks a ticket and returns the principal it was issued for.
func (i *TicketIssuer) Validate(ticket string) (Principal, error) {
	claims := &TicketClaims{}
	_, err := jwt.ParseWithClaims(
		strings.TrimSpace(ticket),
		claims,
		func(token *jwt.Token) (interface{}, error) {
			return i.signingSecret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Principal{}, ErrMissingTicketSubject
	}
	return Principal{UserID: claims.Subject, DisplayName: claims.DisplayName, Color: claims.Color}, nil
}
