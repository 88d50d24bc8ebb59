package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/offsetx/exchange/internal/models"
	"github.com/offsetx/exchange/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Claims carries the authenticated identity extracted from a token.
type Claims struct {
	UserID   string
	Username string
	Admin    bool
}

// AuthService handles user authentication
type AuthService struct {
	users  store.UserStore
	secret []byte
}

// NewAuthService creates a new auth service signing tokens with secret.
func NewAuthService(users store.UserStore, secret string) *AuthService {
	return &AuthService{users: users, secret: []byte(secret)}
}

// Register creates a new user with hashed password
func (s *AuthService) Register(ctx context.Context, username, password string) (*models.User, error) {
	// Validate input
	if username == "" {
		return nil, fmt.Errorf("username cannot be empty")
	}
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	if len(username) > 50 {
		return nil, fmt.Errorf("username too long (max 50 characters)")
	}
	if len(password) > 100 {
		return nil, fmt.Errorf("password too long (max 100 characters)")
	}

	// Hash the password
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hashedPassword),
		CreatedAt:    time.Now(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Login verifies credentials and generates a JWT
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	// Get user from database
	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		return "", err
	}

	// Verify password
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", err
	}

	// Generate JWT
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  user.ID,
		"username": user.Username,
		"admin":    user.Admin,
		"exp":      time.Now().Add(24 * time.Hour).Unix(),
	})

	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// GetUserFromToken extracts the identity claims from a JWT.
func (s *AuthService) GetUserFromToken(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	userID, ok := claims["user_id"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	username, _ := claims["username"].(string)
	admin, _ := claims["admin"].(bool)
	return &Claims{UserID: userID, Username: username, Admin: admin}, nil
}
