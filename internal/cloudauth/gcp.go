package cloudauth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// GCPTokenSource resolves Application Default Credentials for the given
// scopes and wraps them in a cached, auto-refreshing token source. Adapters
// pull a bearer token from it per request, so a rotated credential is
// picked up without restarting the gateway.
func GCPTokenSource(ctx context.Context, scopes ...string) (oauth2.TokenSource, error) {
	creds, err := google.FindDefaultCredentials(ctx, scopes...)
	if err != nil {
		return nil, fmt.Errorf("cloudauth: find GCP credentials: %w", err)
	}
	return oauth2.ReuseTokenSource(nil, creds.TokenSource), nil
}
