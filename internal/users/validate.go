package users

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"

	apperrors "github.com/pipster/pipster-identity/internal/errors"
)

const (
	maxTenantIDLen    = 50
	maxDisplayNameLen = 100
	maxEmailLen       = 256
	minPasswordLen    = 8
)

var emailFolder = cases.Fold()

// NormalizeEmail trims and case-folds an email for lookups and uniqueness.
func NormalizeEmail(email string) string {
	return emailFolder.String(strings.TrimSpace(email))
}

// NewUser is the input to Store.Create.
type NewUser struct {
	TenantID    string
	DisplayName string
	Email       string
	Password    string
}

func (n NewUser) validate() error {
	switch {
	case strings.TrimSpace(n.TenantID) == "":
		return fmt.Errorf("%w: tenant id is required", apperrors.ErrInvalidUser)
	case utf8.RuneCountInString(n.TenantID) > maxTenantIDLen:
		return fmt.Errorf("%w: tenant id exceeds %d characters", apperrors.ErrInvalidUser, maxTenantIDLen)
	case strings.TrimSpace(n.DisplayName) == "":
		return fmt.Errorf("%w: display name is required", apperrors.ErrInvalidUser)
	case utf8.RuneCountInString(n.DisplayName) > maxDisplayNameLen:
		return fmt.Errorf("%w: display name exceeds %d characters", apperrors.ErrInvalidUser, maxDisplayNameLen)
	case utf8.RuneCountInString(n.Email) > maxEmailLen:
		return fmt.Errorf("%w: email exceeds %d characters", apperrors.ErrInvalidUser, maxEmailLen)
	}

	addr, err := mail.ParseAddress(n.Email)
	if err != nil || addr.Address != strings.TrimSpace(n.Email) {
		return fmt.Errorf("%w: email is not a valid address", apperrors.ErrInvalidUser)
	}

	return ValidatePassword(n.Password)
}

// ValidatePassword enforces the password policy: at least eight characters
// including a digit, a lowercase and an uppercase letter.
func ValidatePassword(password string) error {
	if utf8.RuneCountInString(password) < minPasswordLen {
		return fmt.Errorf("%w: must be at least %d characters", apperrors.ErrWeakPassword, minPasswordLen)
	}

	var digit, lower, upper bool

	for _, r := range password {
		switch {
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		}
	}

	if !digit || !lower || !upper {
		return fmt.Errorf("%w: needs a digit, a lowercase and an uppercase letter", apperrors.ErrWeakPassword)
	}

	return nil
}
