package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/beekhof/intra-calsync/internal/store"
)

// ErrNoToken means the target was never authorized.
var ErrNoToken = errors.New("no token stored: run the login command")

// GoogleScope is the Calendar read/write scope.
const GoogleScope = "https://www.googleapis.com/auth/calendar"

// OutlookScopes grant calendar access and a refresh token.
var OutlookScopes = []string{"offline_access", "https://graph.microsoft.com/Calendars.ReadWrite"}

// callbackAddr is where the OAuth redirect is received.
var callbackAddr = "127.0.0.1:8080"

// loginTimeout bounds the wait for the user to authorize in the browser.
var loginTimeout = 5 * time.Minute

// GoogleConfig returns the OAuth config for a Google Calendar target.
func GoogleConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       []string{GoogleScope},
		Endpoint:     google.Endpoint,
	}
}

// OutlookConfig returns the OAuth config for an Outlook target. tenant is
// "common" for personal and school accounts alike.
func OutlookConfig(clientID, clientSecret, tenant string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       OutlookScopes,
		Endpoint:     microsoft.AzureADEndpoint(tenant),
	}
}

// TokenStore is an interface for saving and loading OAuth tokens.
type TokenStore interface {
	SaveToken(token *oauth2.Token) error
	LoadToken() (*oauth2.Token, error)
}

// KVTokenStore keeps a token as JSON under one key of a store.Store.
type KVTokenStore struct {
	store store.Store
	key   string
}

func NewKVTokenStore(s store.Store, key string) *KVTokenStore {
	return &KVTokenStore{store: s, key: key}
}

// LoadToken returns nil, without error, when no token was saved yet.
func (k *KVTokenStore) LoadToken() (*oauth2.Token, error) {
	var token oauth2.Token
	found, err := store.GetJSON(context.Background(), k.store, k.key, &token)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &token, nil
}

func (k *KVTokenStore) SaveToken(token *oauth2.Token) error {
	return store.SetJSON(context.Background(), k.store, k.key, token)
}

// autoSaveTokenSource wraps an oauth2.TokenSource and automatically saves refreshed tokens.
type autoSaveTokenSource struct {
	source     oauth2.TokenSource
	tokenStore TokenStore
	lastToken  *oauth2.Token
}

// Token implements oauth2.TokenSource and saves the token if it was refreshed.
func (a *autoSaveTokenSource) Token() (*oauth2.Token, error) {
	token, err := a.source.Token()
	if err != nil {
		return nil, err
	}

	if a.lastToken == nil || a.lastToken.AccessToken != token.AccessToken {
		if err := a.tokenStore.SaveToken(token); err != nil {
			return nil, fmt.Errorf("failed to save refreshed token: %w", err)
		}
		a.lastToken = token
	}

	return token, nil
}

// GetAuthenticatedClient returns an HTTP client authorized with the stored
// token. Refreshed tokens are written back to the store. It never prompts:
// a missing token yields ErrNoToken.
func GetAuthenticatedClient(ctx context.Context, oauthConfig *oauth2.Config, tokenStore TokenStore) (*http.Client, error) {
	token, err := tokenStore.LoadToken()
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	if token == nil {
		return nil, ErrNoToken
	}

	autoSaveSource := &autoSaveTokenSource{
		source:     oauth2.ReuseTokenSource(token, oauthConfig.TokenSource(ctx, token)),
		tokenStore: tokenStore,
		lastToken:  token,
	}
	return oauth2.NewClient(ctx, autoSaveSource), nil
}

// Login runs the interactive authorization code flow: it serves the
// redirect locally, hands the consent URL to prompt, then exchanges the
// code and saves the token.
func Login(ctx context.Context, oauthConfig *oauth2.Config, tokenStore TokenStore, prompt func(authURL string)) (*oauth2.Token, error) {
	state := uuid.NewString()
	redirectURL, codeChan, errorChan, err := startLocalServer(state)
	if err != nil {
		return nil, err
	}

	cfg := *oauthConfig
	cfg.RedirectURL = redirectURL
	prompt(cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce))

	var code string
	select {
	case code = <-codeChan:
	case err := <-errorChan:
		return nil, fmt.Errorf("failed to receive authorization code: %w", err)
	case <-time.After(loginTimeout):
		return nil, fmt.Errorf("authorization timeout: no response received within %s", loginTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	if err := tokenStore.SaveToken(token); err != nil {
		return nil, fmt.Errorf("failed to save token: %w", err)
	}
	return token, nil
}

// startLocalServer starts a local HTTP server to receive the OAuth callback.
// Returns the redirect URL, a channel for the authorization code, and a channel for errors.
// Uses callbackAddr, or a random port if it is unavailable.
func startLocalServer(state string) (string, <-chan string, <-chan error, error) {
	listener, err := net.Listen("tcp", callbackAddr)
	if err != nil {
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return "", nil, nil, fmt.Errorf("failed to start local server: %w", err)
		}
	}

	port := listener.Addr().(*net.TCPAddr).Port
	redirectURL := fmt.Sprintf("http://127.0.0.1:%d", port)

	codeChan := make(chan string, 1)
	errorChan := make(chan error, 1)

	server := &http.Server{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  10 * time.Second,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("state") != state:
			fmt.Fprintf(w, "<html><body><h1>Authorization failed</h1><p>Invalid state.</p></body></html>")
			sendErr(errorChan, errors.New("state mismatch in authorization callback"))
		case q.Get("code") != "":
			fmt.Fprintf(w, "<html><body><h1>Authorization successful!</h1><p>You can close this window.</p></body></html>")
			codeChan <- q.Get("code")
		case q.Get("error") != "":
			fmt.Fprintf(w, "<html><body><h1>Authorization failed</h1><p>Error: %s</p></body></html>", q.Get("error"))
			sendErr(errorChan, fmt.Errorf("authorization error: %s", q.Get("error")))
		default:
			fmt.Fprintf(w, "<html><body><h1>No authorization code received</h1></body></html>")
			sendErr(errorChan, errors.New("no authorization code received"))
		}
		go func() {
			time.Sleep(1 * time.Second)
			server.Shutdown(context.Background())
		}()
	})
	server.Handler = mux

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			sendErr(errorChan, fmt.Errorf("server error: %w", err))
		}
	}()

	return redirectURL, codeChan, errorChan, nil
}

func sendErr(ch chan<- error, err error) {
	select {
	case ch <- err:
	default:
	}
}
