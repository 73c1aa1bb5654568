package auth

import "github.com/golang-jwt/jwt/v5"

// VideoGrant limits a token to one room.
type VideoGrant struct {
	Room string `json:"room"`
}

type Grants struct {
	Identity string      `json:"identity"`
	Video    *VideoGrant `json:"video,omitempty"`
}

// Claims are the room access token claims: issued by the API key on behalf
// of the account, for one identity in one room.
type Claims struct {
	jwt.RegisteredClaims

	Grants Grants `json:"grants"`
}
