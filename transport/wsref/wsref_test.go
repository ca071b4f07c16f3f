package wsref

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpgradeDialRoundTrip(t *testing.T) {
	accepted := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r)
		require.NoError(t, err)
		accepted <- c
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Dial(ctx, wsURL)
	require.NoError(t, err)
	defer client.Close()

	server := <-accepted
	defer server.Close()

	require.NoError(t, client.Send(ctx, []byte("hello")))
	b, err := server.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))

	require.NotEmpty(t, server.RemoteAddr())
}
