package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketStream(t *testing.T) {
	l, err := ListenWebSocket("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan Conn, 1)
	go func() {
		conn, err := l.Accept(ctx)
		if err == nil {
			accepted <- conn
		}
	}()

	client, err := Dial(ctx, "ws://"+l.Addr().String()+WebSocketPath)
	require.NoError(t, err)
	defer client.Close()

	var server Conn
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("no connection accepted")
	}
	defer server.Close()

	// Two messages read back as one continuous stream.
	_, err = client.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	_, err = client.Write([]byte{4, 5})
	require.NoError(t, err)

	got := make([]byte, 5)
	_, err = io.ReadFull(server, got)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, got)

	assert.NotEmpty(t, RemoteIP(server))
}

func TestWebSocketListenerClose(t *testing.T) {
	l, err := ListenWebSocket("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = l.Accept(context.Background())
	assert.Error(t, err)
}
