package admin

import (
	"context"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// Verifier checks admin credentials.
type Verifier interface {
	Verify(ctx context.Context, username, password string) bool
}

// BcryptVerifier checks passwords against bcrypt hashes from a
// PrincipalStore. Unknown usernames are compared against a dummy hash so
// that the response time does not reveal which usernames exist.
type BcryptVerifier struct {
	principals PrincipalStore
	dummy      []byte
}

func NewBcryptVerifier(principals PrincipalStore) *BcryptVerifier {
	dummy, err := bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)
	if err != nil {
		log.Error().Err(err).Msg("generate dummy admin hash")
	}
	return &BcryptVerifier{principals: principals, dummy: dummy}
}

func (v *BcryptVerifier) Verify(ctx context.Context, username, password string) bool {
	if username == "" || password == "" {
		return false
	}

	user, err := v.principals.Find(ctx, username)
	if err != nil {
		if v.dummy != nil {
			_ = bcrypt.CompareHashAndPassword(v.dummy, []byte(password))
		}
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil
}
