package auth

import (
	"time"

	"tube-backend/internal/media"
)

// User is the stored identity. It never leaves the package boundary as JSON;
// use Profile for anything a client sees.
type User struct {
	ID                    string
	Username              string
	Email                 string
	FullName              string
	PasswordHash          string
	Avatar                media.Asset
	CoverImage            media.Asset
	RefreshToken          string
	RefreshTokenExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Profile is the public view of a User, without the password hash and the
// refresh token.
type Profile struct {
	ID         string    `json:"_id"`
	Username   string    `json:"username"`
	Email      string    `json:"email"`
	FullName   string    `json:"fullname"`
	Avatar     string    `json:"avatar"`
	CoverImage string    `json:"coverImage"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (u User) Profile() Profile {
	return Profile{
		ID:         u.ID,
		Username:   u.Username,
		Email:      u.Email,
		FullName:   u.FullName,
		Avatar:     u.Avatar.URL,
		CoverImage: u.CoverImage.URL,
		CreatedAt:  u.CreatedAt,
		UpdatedAt:  u.UpdatedAt,
	}
}

// MediaSlot names one of the image references held on a User.
type MediaSlot string

const (
	SlotAvatar     MediaSlot = "avatar"
	SlotCoverImage MediaSlot = "cover_image"
)

type RegisterInput struct {
	Username   string
	Email      string
	FullName   string
	Password   string
	Avatar     *media.File
	CoverImage *media.File
}

// Credentials identify a login attempt. Either Username or Email is enough.
type Credentials struct {
	Username string
	Email    string
	Password string
}

type TokenPair struct {
	AccessToken           string    `json:"accessToken"`
	RefreshToken          string    `json:"refreshToken"`
	AccessTokenExpiresAt  time.Time `json:"-"`
	RefreshTokenExpiresAt time.Time `json:"-"`
}

type Session struct {
	User Profile `json:"user"`
	TokenPair
}
