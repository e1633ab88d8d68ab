package services

import (
	stderrors "errors"
	"fmt"
	"server-hub/auth"
	"server-hub/errors"
	"server-hub/repositories"
	"strings"

	"github.com/samber/lo"
)

type IAuthService interface {
	Login(email, password string) (Token, error)
	Register(email, password string) (Token, error)
}

type Token string

type AuthService struct {
	userRepository repositories.IUserRepository
	tokens         *auth.TokenResolver
	adminEmails    map[string]struct{}
}

// NewAuthService grants the admin role, the one allowed to publish
// notifications over HTTP, to accounts registered with one of adminEmails.
func NewAuthService(repo repositories.IUserRepository, tokens *auth.TokenResolver, adminEmails []string) IAuthService {
	return &AuthService{
		userRepository: repo,
		tokens:         tokens,
		adminEmails: lo.SliceToMap(adminEmails, func(e string) (string, struct{}) {
			return strings.ToLower(strings.TrimSpace(e)), struct{}{}
		}),
	}
}

func (s *AuthService) Register(email, password string) (Token, error) {
	// Validation happens before any expensive cryptographic operation
	if err := auth.ValidateRegister(auth.RegisterRequest{Email: email, Password: password}); err != nil {
		return "", err
	}

	// The repository never sees plain passwords
	hashedPassword, err := auth.HashPassword(password)
	if err != nil {
		return "", fmt.Errorf("hashing failed: %w", err)
	}

	roles := []string{"user"}
	if _, ok := s.adminEmails[strings.ToLower(email)]; ok {
		roles = append(roles, auth.RoleAdmin)
	}
	userID, err := s.userRepository.CreateUser(email, hashedPassword, roles)
	if err != nil {
		return "", err
	}

	token, err := s.tokens.GenerateToken(userID, roles)
	if err != nil {
		return "", err
	}
	return Token(token), nil
}

func (s *AuthService) Login(email, password string) (Token, error) {
	if err := auth.ValidateLogin(auth.LoginRequest{Email: email, Password: password}); err != nil {
		return "", errors.ErrInvalidCredentials
	}
	user, err := s.userRepository.GetUserByEmail(email)
	if err != nil {
		if errors.IsRetryable(err) {
			return "", err
		}
		// Generic error to prevent user enumeration
		return "", errors.ErrInvalidCredentials
	}

	match, err := auth.ComparePassword(password, user.PasswordHash)
	if err != nil || !match {
		if err != nil && !stderrors.Is(err, errors.ErrInvalidHash) {
			return "", err
		}
		return "", errors.ErrInvalidCredentials
	}

	token, err := s.tokens.GenerateToken(user.ID, user.Roles)
	if err != nil {
		return "", err
	}
	return Token(token), nil
}
