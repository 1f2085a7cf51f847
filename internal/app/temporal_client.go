package app

import (
	"fmt"

	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/ghosthands/core/internal/platform/config"
)

// newTemporalClient dials the Temporal frontend named by
// Cfg.TemporalHostPort/TemporalNamespace. Only reached when
// DispatchMode=="temporal".
func newTemporalClient(cfg config.Config) (temporalsdkclient.Client, error) {
	c, err := temporalsdkclient.Dial(temporalsdkclient.Options{
		HostPort:  cfg.TemporalHostPort,
		Namespace: cfg.TemporalNamespace,
	})
	if err != nil {
		return nil, fmt.Errorf("dial temporal: %w", err)
	}
	return c, nil
}
