package transfer

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const ticketIssuer = "filemesh-master"

// TicketClaims authorise one slave-to-slave copy. Both slaves receive the
// same ticket; the destination checks it when the source connects.
type TicketClaims struct {
	Path string `json:"path"`
	Src  string `json:"src"`
	Dst  string `json:"dst"`
	jwt.RegisteredClaims
}

// Issuer signs transfer tickets. Each destination slave verifies with its
// own key, derived from the master secret and the slave name.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer. An empty secret is replaced by random bytes,
// which is fine as long as slaves fetch their keys from this process.
func NewIssuer(secret []byte, ttl time.Duration) (*Issuer, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate ticket secret: %w", err)
		}
	}
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Issuer{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Key returns the HMAC key of a slave.
func (i *Issuer) Key(slave string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, i.secret, nil, []byte("filemesh-transfer-ticket:"+slave))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive ticket key: %w", err)
	}
	return key, nil
}

// Issue signs a ticket for copying path from src to dst. id becomes the
// token ID.
func (i *Issuer) Issue(id, path, src, dst string) (string, error) {
	key, err := i.Key(dst)
	if err != nil {
		return "", err
	}
	now := i.now()
	claims := TicketClaims{
		Path: path,
		Src:  src,
		Dst:  dst,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Issuer:    ticketIssuer,
			Subject:   dst,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign ticket: %w", err)
	}
	return token, nil
}

// Verify checks a ticket as the named destination slave would.
func (i *Issuer) Verify(token, slave string) (*TicketClaims, error) {
	key, err := i.Key(slave)
	if err != nil {
		return nil, err
	}
	claims := &TicketClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(ticketIssuer),
		jwt.WithSubject(slave),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid ticket: %w", err)
	}
	if claims.Dst != slave {
		return nil, errors.New("invalid ticket: issued for another slave")
	}
	return claims, nil
}
