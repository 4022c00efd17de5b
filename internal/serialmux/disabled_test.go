package serialmux

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledSerialMux(t *testing.T) {
	var _ SerialMuxInterface = NewDisabledSerialMux()

	d := NewDisabledSerialMux()
	require.NoError(t, d.Initialize())
	require.NoError(t, d.SendCommand("S 0 90"))
	assert.Equal(t, uint64(1), d.Stats().CommandsSent)

	id, ch := d.Subscribe()
	d.Unsubscribe(id)
	_, open := <-ch
	assert.False(t, open)

	_, ch = d.Subscribe()
	require.NoError(t, d.Close())
	_, open = <-ch
	assert.False(t, open)
	require.NoError(t, d.Close(), "second Close is a no-op")

	_, ch = d.Subscribe()
	_, open = <-ch
	assert.False(t, open, "subscribing after Close returns a closed channel")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Monitor(ctx), context.Canceled)

	mux := http.NewServeMux()
	d.AttachAdminRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/serial-disabled", nil))
	assert.Equal(t, "serial disabled", rec.Body.String())
}
