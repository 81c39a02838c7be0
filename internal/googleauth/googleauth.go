// Package googleauth builds OAuth2 HTTP clients for the Google APIs from an
// installed-app credentials file and a previously stored token.
package googleauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"mailcal/internal/config"
)

// HTTPClient returns a client authorized for scopes. The token file must
// already exist; obtaining the first token is done out of band.
func HTTPClient(ctx context.Context, auth config.GoogleAuthConfig, scopes ...string) (*http.Client, error) {
	conf, err := OAuthConfig(auth.CredentialsFile, scopes...)
	if err != nil {
		return nil, err
	}
	tok, err := TokenFromFile(auth.TokenFile)
	if err != nil {
		return nil, err
	}
	return conf.Client(ctx, tok), nil
}

// OAuthConfig reads the client secret JSON downloaded from the Cloud console.
func OAuthConfig(credentialsFile string, scopes ...string) (*oauth2.Config, error) {
	if credentialsFile == "" {
		return nil, errors.New("googleauth: credentials file is empty")
	}
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("googleauth: read client secret: %w", err)
	}
	conf, err := google.ConfigFromJSON(b, scopes...)
	if err != nil {
		return nil, fmt.Errorf("googleauth: parse client secret: %w", err)
	}
	return conf, nil
}

// TokenFromFile loads a stored OAuth2 token.
func TokenFromFile(file string) (*oauth2.Token, error) {
	if file == "" {
		return nil, errors.New("googleauth: token file is empty")
	}
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("googleauth: open token: %w", err)
	}
	defer f.Close()

	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("googleauth: decode token: %w", err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("googleauth: token in %s has neither access nor refresh token", file)
	}
	return tok, nil
}
