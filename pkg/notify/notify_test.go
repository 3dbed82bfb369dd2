package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopNotifierNeverErrors(t *testing.T) {
	var n Notifier = NoopNotifier{}
	require.NoError(t, n.Notify(t.Context(), "title", "body"))
}

func TestLoggingNotifierSatisfiesInterface(t *testing.T) {
	var n Notifier = NewLoggingNotifier(nil)
	assert.NoError(t, n.Notify(t.Context(), "autoscale", "scale up by 2"))
}
