package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PolicyChanged is set when the session policy (instructions, tools,
	// voice, turn detection, transcription) changed. It applies to the next
	// connection.
	PolicyChanged bool

	// RestaurantsChanged lists restaurant IDs that were added, removed or
	// edited on the credential server.
	RestaurantsChanged []string

	// APITokensChanged is set when the accepted caller tokens changed.
	APITokensChanged bool

	// RestartRequired lists sections that changed but cannot be reloaded.
	RestartRequired []string
}

// Changed reports whether d contains any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.PolicyChanged || d.APITokensChanged ||
		len(d.RestaurantsChanged) > 0 || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.MetricsAddr != new.Server.MetricsAddr ||
		old.Server.LogFormat != new.Server.LogFormat || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}

	if !reflect.DeepEqual(old.Voice.Policy(), new.Voice.Policy()) {
		d.PolicyChanged = true
	}
	if old.Voice.CredentialURL != new.Voice.CredentialURL || !slices.Equal(old.Voice.FallbackCredentialURLs, new.Voice.FallbackCredentialURLs) ||
		old.Voice.RestaurantID != new.Voice.RestaurantID ||
		!reflect.DeepEqual(old.Voice.Auth, new.Voice.Auth) || !reflect.DeepEqual(old.Voice.Transport, new.Voice.Transport) ||
		old.Voice.Timeouts != new.Voice.Timeouts || old.Voice.Reconnect != new.Voice.Reconnect ||
		old.Voice.RefreshLead != new.Voice.RefreshLead {
		d.RestartRequired = append(d.RestartRequired, "voice")
	}

	if old.Journal != new.Journal {
		d.RestartRequired = append(d.RestartRequired, "journal")
	}

	ots, nts := old.TokenServer, new.TokenServer
	if !slices.Equal(ots.APITokens, nts.APITokens) {
		d.APITokensChanged = true
	}
	if ots.OpenAIAPIKey != nts.OpenAIAPIKey || ots.OpenAIBaseURL != nts.OpenAIBaseURL {
		d.RestartRequired = append(d.RestartRequired, "tokenserver")
	}
	d.RestaurantsChanged = diffRestaurants(ots.Restaurants, nts.Restaurants)

	return d
}

// diffRestaurants returns the sorted IDs of added, removed or edited
// restaurants.
func diffRestaurants(old, new []RestaurantConfig) []string {
	oldByID := make(map[string]RestaurantConfig, len(old))
	for _, r := range old {
		oldByID[r.ID] = r
	}
	newByID := make(map[string]RestaurantConfig, len(new))
	for _, r := range new {
		newByID[r.ID] = r
	}

	var changed []string
	for id, o := range oldByID {
		if n, ok := newByID[id]; !ok || n != o {
			changed = append(changed, id)
		}
	}
	for id := range newByID {
		if _, ok := oldByID[id]; !ok {
			changed = append(changed, id)
		}
	}
	slices.Sort(changed)
	return changed
}
