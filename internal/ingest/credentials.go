package ingest

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// fileTokenTTL is how long a token read from disk is reused before the
// file is read again, so a rotated token is picked up without a restart.
const fileTokenTTL = 5 * time.Minute

type staticSource struct {
	token string
}

// StaticToken serves a fixed bearer token. An empty token yields ErrNoToken.
func StaticToken(token string) oauth2.TokenSource {
	return staticSource{token: strings.TrimSpace(token)}
}

func (s staticSource) Token() (*oauth2.Token, error) {
	if s.token == "" {
		return nil, ErrNoToken
	}
	return &oauth2.Token{AccessToken: s.token, TokenType: "Bearer"}, nil
}

type fileSource struct {
	path string
	now  func() time.Time
}

// FileToken reads the bearer token from path, re-reading it periodically.
func FileToken(path string) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &fileSource{path: path, now: time.Now})
}

func (s *fileSource) Token() (*oauth2.Token, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrNoToken, s.path)
		}
		return nil, fmt.Errorf("read token file: %w", err)
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrNoToken, s.path)
	}
	return &oauth2.Token{
		AccessToken: tok,
		TokenType:   "Bearer",
		Expiry:      s.now().Add(fileTokenTTL),
	}, nil
}

// HasToken reports whether ts currently yields a usable token.
func HasToken(ts oauth2.TokenSource) bool {
	if ts == nil {
		return false
	}
	tok, err := ts.Token()
	return err == nil && tok.Valid()
}
