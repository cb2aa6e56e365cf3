package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWSTransportSendAndReceive(t *testing.T) {
	server := NewWS(time.Second, nil)
	received := make(chan string, 1)
	server.SetHandler(func(sender string, msg []byte) {
		received <- string(msg)
	})
	require.NoError(t, server.Listen("127.0.0.1:18765"))
	defer server.Close()

	time.Sleep(50 * time.Millisecond)

	client := NewWS(time.Second, nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Send(ctx, "ws://127.0.0.1:18765/", []byte("hello")))

	select {
	case got := <-received:
		require.Equal(t, "hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}
