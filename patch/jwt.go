package patch

import (
	"errors"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Client credentials presented to the authoritative peer on connect.
// The client never verifies the jwt signature - that is the server's job -
// it only extracts routing ids from the claims.
type ClientAuth struct {
	ByJwt      string
	InstanceId Id
	AppVersion string
}

func (self *ClientAuth) ClientId() (Id, error) {
	byJwt, err := ParseByJwtUnverified(self.ByJwt)
	if err != nil {
		return Id{}, err
	}
	return byJwt.ClientId, nil
}

type ByJwt struct {
	UserId   Id
	BoardId  Id
	ClientId Id
}

func ParseByJwtUnverified(jwtStr string) (*ByJwt, error) {
	if jwtStr == "" {
		return nil, errors.New("empty jwt")
	}

	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, errors.New("jwt has no claims")
	}

	byJwt := &ByJwt{}

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := NewIdFromString(userIdStr); err == nil {
			byJwt.UserId = userId
		}
	}
	if boardIdStr, ok := claims["board_id"].(string); ok {
		if boardId, err := NewIdFromString(boardIdStr); err == nil {
			byJwt.BoardId = boardId
		}
	}
	if clientIdStr, ok := claims["client_id"].(string); ok {
		if clientId, err := NewIdFromString(clientIdStr); err == nil {
			byJwt.ClientId = clientId
		}
	}

	return byJwt, nil
}
