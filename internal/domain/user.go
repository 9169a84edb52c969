// File: internal/domain/user.go
package domain

import (
	"errors"
	"regexp"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.@-]{2,128}$`)

// User is an entry of the identity directory. Only ID, DisplayName and
// AvatarURL ever leave the server.
type User struct {
	ID          UserID    `json:"id" gorm:"primaryKey;size:128"`
	DisplayName string    `json:"displayName" gorm:"not null;size:255"`
	AvatarURL   string    `json:"avatarUrl,omitempty" gorm:"size:1024"`
	Password    string    `json:"-" gorm:"not null"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"-"`
}

// Profile is the public view of a user as supplied by the identity resolver.
type Profile struct {
	ID          UserID `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

func (u *User) Profile() Profile {
	return Profile{ID: u.ID, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL}
}

// HashPassword securely hashes the user's password.
func (u *User) HashPassword(password string) error {
	if len(password) < 8 {
		return errors.New("password must be at least 8 characters")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.Password = string(hashed)
	return nil
}

// ValidatePassword compares a plain-text password with the stored hash.
func (u *User) ValidatePassword(password string) error {
	return bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password))
}

func (u *User) IsValid() error {
	if !userIDPattern.MatchString(string(u.ID)) {
		return errors.New("user id must be 2-128 characters of letters, digits or _.@-")
	}
	if len(u.DisplayName) == 0 {
		return errors.New("display name is required")
	}
	return nil
}
