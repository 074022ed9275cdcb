package usecase

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/domain"
)

func TestSignAndParseToken(t *testing.T) {
	ctx := ctx.Background()
	u := New("jwt-secret", time.Hour)

	tkn, err := u.SignToken(ctx, "user-1", nil)
	assert.NoError(t, err)
	assert.NotEmpty(t, tkn)
	p, err := u.ParseToken(ctx, tkn)
	assert.NoError(t, err)
	assert.Equal(t, &domain.Principal{UserId: "user-1"}, p)

	tkn, err = u.SignToken(ctx, "ops", []string{domain.RoleAdmin})
	assert.NoError(t, err)
	p, err = u.ParseToken(ctx, tkn)
	assert.NoError(t, err)
	assert.True(t, p.IsAdmin)

	_, err = u.SignToken(ctx, "", nil)
	assert.ErrorIs(t, err, domain.ErrBadParamInput)
}

func TestParseTokenRejects(t *testing.T) {
	ctx := ctx.Background()
	u := New("jwt-secret", time.Hour)

	other, err := New("other-secret", time.Hour).SignToken(ctx, "user-1", nil)
	assert.NoError(t, err)
	_, err = u.ParseToken(ctx, other)
	assert.Error(t, err)

	_, err = u.ParseToken(ctx, "not-a-token")
	assert.Error(t, err)

	expired := New("jwt-secret", time.Hour).(*impl)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	tkn, err := expired.SignToken(ctx, "user-1", nil)
	assert.NoError(t, err)
	_, err = u.ParseToken(ctx, tkn)
	assert.Error(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, domain.JwtCustomClaims{UserId: "user-1"})
	str, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	assert.NoError(t, err)
	_, err = u.ParseToken(ctx, str)
	assert.Error(t, err)
}
