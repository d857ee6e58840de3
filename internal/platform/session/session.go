// Package session resolves the caller's bearer token and the patient
// identity carried inside it.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNotAuthenticated is returned when no usable token is available.
var ErrNotAuthenticated = errors.New("not authenticated")

// TokenSource resolves the bearer token for outbound requests.
type TokenSource interface {
	Token() (string, error)
}

// Claims are the token claims the clinic backend issues.
type Claims struct {
	jwt.RegisteredClaims
	PatientID int64  `json:"patient_id,omitempty"`
	Role      string `json:"role,omitempty"`
	Name      string `json:"name,omitempty"`
}

// Identity is the authenticated caller.
type Identity struct {
	Token     string
	PatientID int64
	Role      string
	Name      string
}

// Static is a TokenSource holding a fixed token. An empty Static is
// unauthenticated.
type Static string

func (s Static) Token() (string, error) {
	tok := strings.TrimSpace(string(s))
	if tok == "" {
		return "", ErrNotAuthenticated
	}
	return tok, nil
}

// FromAuthorizationHeader extracts the bearer token from an Authorization
// header value. Anything other than "Bearer <token>" yields an empty Static.
func FromAuthorizationHeader(header string) Static {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return Static(strings.TrimSpace(parts[1]))
}

// FileStore keeps the token in a file, the CLI's session storage.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a FileStore backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (f *FileStore) Path() string {
	return f.path
}

// Token reads the stored token. A missing or empty file is
// ErrNotAuthenticated.
func (f *FileStore) Token() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotAuthenticated
	}
	if err != nil {
		return "", fmt.Errorf("read session file: %w", err)
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return "", ErrNotAuthenticated
	}
	return tok, nil
}

// Save stores token, creating the parent directory when needed.
func (f *FileStore) Save(token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	if err := os.WriteFile(f.path, []byte(strings.TrimSpace(token)+"\n"), 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}

// Clear removes the stored token.
func (f *FileStore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

// Resolve returns the identity behind the token in src. The signature is not
// verified here; the backend validates every request it receives. A token
// that does not name a patient cannot book and is reported as
// ErrNotAuthenticated.
func Resolve(src TokenSource) (*Identity, error) {
	if src == nil {
		return nil, ErrNotAuthenticated
	}
	tok, err := src.Token()
	if err != nil {
		return nil, err
	}

	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tok, claims); err != nil {
		return nil, fmt.Errorf("%w: malformed token: %v", ErrNotAuthenticated, err)
	}

	patientID := claims.PatientID
	if patientID == 0 && claims.Subject != "" {
		if n, err := strconv.ParseInt(claims.Subject, 10, 64); err == nil {
			patientID = n
		}
	}
	if patientID <= 0 {
		return nil, fmt.Errorf("%w: token carries no patient id", ErrNotAuthenticated)
	}

	return &Identity{
		Token:     tok,
		PatientID: patientID,
		Role:      claims.Role,
		Name:      claims.Name,
	}, nil
}

// Chain returns a TokenSource that tries each source in order and uses the
// first one holding a token.
func Chain(sources ...TokenSource) TokenSource {
	return chain(sources)
}

type chain []TokenSource

func (c chain) Token() (string, error) {
	for _, src := range c {
		if src == nil {
			continue
		}
		tok, err := src.Token()
		if err == nil {
			return tok, nil
		}
		if !errors.Is(err, ErrNotAuthenticated) {
			return "", err
		}
	}
	return "", ErrNotAuthenticated
}
