package app

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/MrWong99/voiceorder/internal/config"
	"github.com/MrWong99/voiceorder/internal/resilience"
	"github.com/MrWong99/voiceorder/pkg/credential"
)

// NewFetcher returns the credential fetcher described by v. With an OAuth
// section the client-credentials flow supplies bearer tokens; ctx scopes the
// token endpoint requests and should outlive the session.
//
// When v lists fallback URLs, each endpoint sits behind its own circuit
// breaker and the fallbacks are tried in order after the primary.
func NewFetcher(ctx context.Context, v config.VoiceConfig, opts ...credential.HTTPOption) credential.Fetcher {
	var auth []credential.HTTPOption
	switch {
	case v.Auth == nil:
	case v.Auth.OAuth != nil:
		cc := &clientcredentials.Config{
			ClientID:     v.Auth.OAuth.ClientID,
			ClientSecret: v.Auth.OAuth.ClientSecret,
			TokenURL:     v.Auth.OAuth.TokenURL,
			Scopes:       v.Auth.OAuth.Scopes,
		}
		auth = append(auth, credential.WithTokenSource(cc.TokenSource(ctx)))
	case v.Auth.Token != "":
		auth = append(auth, credential.WithBearerToken(v.Auth.Token))
	}
	opts = append(auth, opts...)

	primary := credential.NewHTTPFetcher(v.CredentialURL, v.RestaurantID, opts...)
	if len(v.FallbackCredentialURLs) == 0 {
		return primary
	}
	group := resilience.NewFallbackGroup[credential.Fetcher](v.CredentialURL, primary, resilience.BreakerConfig{
		// Rejected callers and bad payloads are not endpoint health problems.
		Counts: func(err error) bool { return errors.Is(err, credential.ErrNetwork) },
	})
	for _, u := range v.FallbackCredentialURLs {
		group.Add(u, credential.NewHTTPFetcher(u, v.RestaurantID, opts...))
	}
	return &fallbackFetcher{group: group}
}

// fallbackFetcher fetches from the first credential endpoint that answers.
type fallbackFetcher struct {
	group *resilience.FallbackGroup[credential.Fetcher]
}

func (f *fallbackFetcher) Fetch(ctx context.Context) (credential.Grant, error) {
	grant, _, err := resilience.Call(ctx, f.group, func(ctx context.Context, m credential.Fetcher) (credential.Grant, error) {
		return m.Fetch(ctx)
	})
	if err != nil {
		return credential.Grant{}, fmt.Errorf("app: fetch credential: %w", err)
	}
	return grant, nil
}
