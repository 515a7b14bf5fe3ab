// Package users stores accounts for credential and Google sign-in.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	ProviderCredentials = "credentials"
	ProviderGoogle      = "google"
)

var (
	ErrNotFound      = errors.New("user not found")
	ErrExists        = errors.New("email already registered")
	ErrBadCredential = errors.New("invalid email or password")
)

// User is an account.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Provider     string    `json:"provider"`
	CreatedAt    time.Time `json:"createdAt"`
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// ValidateEmail checks if an email address is valid
func ValidateEmail(email string) bool {
	return emailRegex.MatchString(email)
}

var (
	hasNumber = regexp.MustCompile(`[0-9]`)
	hasLetter = regexp.MustCompile(`[a-zA-Z]`)
)

// ValidatePassword checks password strength requirements
func ValidatePassword(password string) (bool, string) {
	if len(password) < 8 {
		return false, "Password must be at least 8 characters long"
	}
	if len(password) > 128 {
		return false, "Password must be less than 128 characters"
	}
	if !hasNumber.MatchString(password) || !hasLetter.MatchString(password) {
		return false, "Password must contain both letters and numbers"
	}
	return true, ""
}

// bcryptCost is a variable so tests can lower it.
var bcryptCost = 12

// HashPassword generates a bcrypt hash of the password
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a password with its hash
func VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Store reads and writes users.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Register creates a credentials account.
func (s *Store) Register(ctx context.Context, email, name, password string) (User, error) {
	email = strings.TrimSpace(strings.ToLower(email))

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE email = $1)`, email).Scan(&exists); err != nil {
		return User{}, fmt.Errorf("check user: %w", err)
	}
	if exists {
		return User{}, ErrExists
	}

	hash, err := HashPassword(password)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	u := User{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: hash,
		Provider:     ProviderCredentials,
		CreatedAt:    time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, password_hash, provider, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, u.ID, u.Email, u.Name, u.PasswordHash, u.Provider, u.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (s *Store) FindByEmail(ctx context.Context, email string) (User, error) {
	var (
		u    User
		hash sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, password_hash, provider, created_at
		FROM users WHERE email = $1
	`, strings.TrimSpace(strings.ToLower(email))).Scan(&u.ID, &u.Email, &u.Name, &hash, &u.Provider, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("find user: %w", err)
	}
	u.PasswordHash = hash.String
	return u, nil
}

// Authenticate checks credentials. OAuth-only accounts never match.
func (s *Store) Authenticate(ctx context.Context, email, password string) (User, error) {
	u, err := s.FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrBadCredential
	}
	if err != nil {
		return User{}, err
	}
	if u.PasswordHash == "" || !VerifyPassword(password, u.PasswordHash) {
		return User{}, ErrBadCredential
	}
	return u, nil
}

// UpsertOAuth returns the account for email, creating it on first sign-in.
func (s *Store) UpsertOAuth(ctx context.Context, email, name, provider string) (User, error) {
	u, err := s.FindByEmail(ctx, email)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return User{}, err
	}

	u = User{
		ID:        uuid.New().String(),
		Email:     strings.TrimSpace(strings.ToLower(email)),
		Name:      name,
		Provider:  provider,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, provider, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (email) DO NOTHING
	`, u.ID, u.Email, u.Name, u.Provider, u.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert oauth user: %w", err)
	}
	// A concurrent sign-in may have won the insert.
	return s.FindByEmail(ctx, u.Email)
}
