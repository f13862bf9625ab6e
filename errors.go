package featuresclient

import (
	"github.com/matt-riley/featuresclient/internal/validate"
	"github.com/matt-riley/featuresclient/internal/variation"
)

// ConfigError reports a configuration violation found before the client
// ever starts. It is never recoverable: the caller must fix the Config and
// construct a new client.
type ConfigError = validate.Error

// FeatureError is raised by the or-throw variation methods for a missing
// flag, a type mismatch, or a flag with no value.
type FeatureError = variation.Error

// ErrOffline is returned by Refresh when OfflineMode is set, since it
// requires network access. SyncFlags does not return it: in OfflineMode it
// skips its fetch and only commits what is already pending.
var ErrOffline = offlineError{}

type offlineError struct{}

func (offlineError) Error() string {
	return "featuresclient: operation requires network access, client is in offline mode"
}
