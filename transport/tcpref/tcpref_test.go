package tcpref

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestListenDialRoundTrip(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan *Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		accepted <- c
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Dial(ctx, ln.Addr().String())
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
