package patch

import (
	"testing"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/go-playground/assert/v2"
)

func TestParseByJwtUnverified(t *testing.T) {
	userId := NewId()
	boardId := NewId()
	clientId := NewId()

	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":   userId.String(),
		"board_id":  boardId.String(),
		"client_id": clientId.String(),
	})
	jwtStr, err := token.SignedString([]byte("test-signing-key"))
	assert.Equal(t, err, nil)

	byJwt, err := ParseByJwtUnverified(jwtStr)
	assert.Equal(t, err, nil)
	assert.Equal(t, byJwt.UserId, userId)
	assert.Equal(t, byJwt.BoardId, boardId)
	assert.Equal(t, byJwt.ClientId, clientId)

	auth := &ClientAuth{
		ByJwt:      jwtStr,
		InstanceId: NewId(),
		AppVersion: "0.0.1",
	}
	authClientId, err := auth.ClientId()
	assert.Equal(t, err, nil)
	assert.Equal(t, authClientId, clientId)
}

func TestParseByJwtUnverifiedMalformed(t *testing.T) {
	_, err := ParseByJwtUnverified("")
	assert.NotEqual(t, err, nil)

	_, err = ParseByJwtUnverified("not a jwt")
	assert.NotEqual(t, err, nil)
}
