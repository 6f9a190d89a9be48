package manager

import (
	"time"

	"github.com/tradepost-io/identity/pkg/identity"
	"github.com/tradepost-io/identity/pkg/profile"
)

type config struct {
	provider     identity.Provider
	profileStore profile.Store
	classifier   identity.Classifier
	now          func() time.Time
}

func newConfig(options ...Option) *config {
	cfg := &config{
		now: time.Now,
	}
	for _, option := range options {
		option(cfg)
	}
	return cfg
}

// An Option customizes the configuration used for the session manager.
type Option func(*config)

// WithProvider sets the identity provider in the config.
func WithProvider(provider identity.Provider) Option {
	return func(cfg *config) {
		cfg.provider = provider
	}
}

// WithProfileStore sets the profile store in the config.
func WithProfileStore(store profile.Store) Option {
	return func(cfg *config) {
		cfg.profileStore = store
	}
}

// WithClassifier sets the heuristic classifier in the config.
func WithClassifier(classifier identity.Classifier) Option {
	return func(cfg *config) {
		cfg.classifier = classifier
	}
}

// WithNow sets the function used to get the current time.
func WithNow(now func() time.Time) Option {
	return func(cfg *config) {
		cfg.now = now
	}
}
