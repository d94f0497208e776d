package auth

import (
	"errors"
	"testing"
	"time"
)

func TestTicketIssuerRoundTripsPrincipal(t *testing.T) {
	issuer, err := NewTicketIssuer(TicketIssuerConfig{
		SigningSecret: []byte("ticket-secret"),
		Issuer:        "canvas-coord",
		TTL:           time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	principal := Principal{UserID: "user-1", DisplayName: "Ada", Color: "#22c55e"}
	ticket, expiresAt, err := issuer.Issue(principal)
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("expected expiry in the future, got %v", expiresAt)
	}

	validated, err := issuer.Validate(ticket)
	if err != nil {
		t.Fatalf("expected ticket to validate: %v", err)
	}
	if validated != principal {
		t.Fatalf("expected %+v, got %+v", principal, validated)
	}
}

func TestTicketIssuerRejectsExpiredTicket(t *testing.T) {
	now := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	current := now
	issuer, err := NewTicketIssuer(TicketIssuerConfig{
		SigningSecret: []byte("ticket-secret"),
		Issuer:        "canvas-coord",
		TTL:           time.Minute,
		Clock:         func() time.Time { return current },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	ticket, _, err := issuer.Issue(Principal{UserID: "user-1"})
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	current = now.Add(2 * time.Minute)
	if _, err := issuer.Validate(ticket); !errors.Is(err, ErrInvalidTicket) {
		t.Fatalf("expected invalid ticket error, got %v", err)
	}
}

func TestTicketIssuerRejectsForeignSignature(t *testing.T) {
	first, _ := NewTicketIssuer(TicketIssuerConfig{SigningSecret: []byte("one"), Issuer: "canvas-coord"})
	second, _ := NewTicketIssuer(TicketIssuerConfig{SigningSecret: []byte("two"), Issuer: "canvas-coord"})
	ticket, _, err := first.Issue(Principal{UserID: "user-1"})
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if _, err := second.Validate(ticket); !errors.Is(err, ErrInvalidTicket) {
		t.Fatalf("expected invalid ticket error, got %v", err)
	}
}

func TestTicketIssuerRequiresSecretAndSubject(t *testing.T) {
	if _, err := NewTicketIssuer(TicketIssuerConfig{Issuer: "canvas-coord"}); !errors.Is(err, ErrMissingTicketSigningKey) {
		t.Fatalf("expected missing key error, got %v", err)
	}
	issuer, _ := NewTicketIssuer(TicketIssuerConfig{SigningSecret: []byte("s"), Issuer: "canvas-coord"})
	if _, _, err := issuer.Issue(Principal{}); !errors.Is(err, ErrMissingTicketSubject) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}
