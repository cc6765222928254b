package credential

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// fallbackLifetime applies when the token endpoint omits expires_in.
const fallbackLifetime = 5 * time.Minute

// ClientCredentialsIssuer fetches tokens with the OAuth2 client credentials grant.
type ClientCredentialsIssuer struct {
	TokenURL   string
	Scopes     []string
	HTTPClient *http.Client
	Now        func() time.Time
}

func (i *ClientCredentialsIssuer) FetchToken(ctx context.Context, clientID, clientSecret string) (string, int64, error) {
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     i.TokenURL,
		Scopes:       i.Scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if i.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, i.HTTPClient)
	}
	tok, err := cfg.Token(ctx)
	if err != nil {
		return "", 0, errors.Wrap(err, "client credentials grant")
	}

	now := time.Now
	if i.Now != nil {
		now = i.Now
	}
	var expiresIn int64
	switch {
	case tok.ExpiresIn > 0:
		expiresIn = tok.ExpiresIn
	case !tok.Expiry.IsZero():
		expiresIn = int64(tok.Expiry.Sub(now()) / time.Second)
	default:
		expiresIn = int64(fallbackLifetime / time.Second)
	}
	return tok.AccessToken, expiresIn, nil
}
