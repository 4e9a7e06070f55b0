package instances

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const grantScope = "vm-secret-access"

// grantTTL bounds how long a grant stays usable. Secrets callers are expected
// to request a fresh grant per session.
const grantTTL = time.Hour

type grantClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// GrantSecretAccess issues a grant for one VM's secret material. The grant is
// scoped to the named VM within this manager; grants from other managers or
// for other VMs are rejected at use time.
func (m *Manager) GrantSecretAccess(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   name,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(grantTTL)),
		},
		Scope: grantScope,
	})
	signed, err := token.SignedString(m.grantKey)
	if err != nil {
		return "", fmt.Errorf("sign grant: %w", err)
	}
	return signed, nil
}

// verifyGrant checks that a grant was issued by this manager for this VM.
// Every failure collapses into ErrPermissionDenied; callers learn nothing
// about why a grant was rejected.
func (m *Manager) verifyGrant(grant, name string) error {
	var claims grantClaims
	_, err := jwt.ParseWithClaims(grant, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Method.Alg())
		}
		return m.grantKey, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	if claims.Scope != grantScope || claims.Subject != name {
		return fmt.Errorf("%w: grant does not cover vm %q", ErrPermissionDenied, name)
	}
	return nil
}
