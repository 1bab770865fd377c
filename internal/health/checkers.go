package health

import (
	"context"
	"fmt"

	"github.com/velisarios/akroasis/internal/api"
	"github.com/velisarios/akroasis/internal/channel"
)

// APIChecker reports readiness of the transcription REST API.
func APIChecker(client *api.Client) Checker {
	return Checker{
		Name: "api",
		Check: func(ctx context.Context) error {
			return client.Health(ctx)
		},
	}
}

// ChannelChecker reports readiness of the realtime progress channel. A
// reconnecting channel is considered not ready; tracking still works
// through the polling fallback, but live updates are degraded.
func ChannelChecker(mgr *channel.Manager) Checker {
	return Checker{
		Name: "channel",
		Check: func(context.Context) error {
			st := mgr.Status()
			if st.State != channel.StateConnected {
				return fmt.Errorf("channel is %s", st.State)
			}
			return nil
		},
	}
}
