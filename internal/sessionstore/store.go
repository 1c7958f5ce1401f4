// Package sessionstore persists the portal client's session: access token,
// refresh token and user record, always written and cleared as one set.
//
// A store is a passive mirror of the session manager's state. Load treats
// anything incomplete or unparsable as "no session"; only an unreachable
// backend is reported as an error.
package sessionstore

import (
	"context"
	"encoding/json"

	"storeorders/internal/models"
)

type Session struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	User         models.Identity `json:"user"`
}

// Complete reports whether all three parts of the session are present.
func (s Session) Complete() bool {
	return s.AccessToken != "" && s.RefreshToken != "" && s.User.Valid()
}

type Store interface {
	Save(ctx context.Context, session Session) error
	Load(ctx context.Context) (Session, bool, error)
	Clear(ctx context.Context) error
}

func decodeUser(raw []byte) (models.Identity, bool) {
	var user models.Identity
	if err := json.Unmarshal(raw, &user); err != nil {
		return models.Identity{}, false
	}
	return user, user.Valid()
}
