package main

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListenAllClosesOpenedListenersOnFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	var opened []net.Listener
	listen = func(network, addr string) (net.Listener, error) {
		ln, err := net.Listen(network, addr)
		if err == nil {
			opened = append(opened, ln)
		}
		return ln, err
	}
	t.Cleanup(func() { listen = net.Listen })

	listeners, err := listenAll([]string{"127.0.0.1:0", busy.Addr().String()})
	require.Error(t, err)
	require.Contains(t, err.Error(), busy.Addr().String())
	require.Nil(t, listeners)
	require.Len(t, opened, 1)

	_, err = opened[0].Accept()
	require.ErrorIs(t, err, net.ErrClosed)
}

func TestListenAll(t *testing.T) {
	listeners, err := listenAll([]string{"127.0.0.1:0", "127.0.0.1:0"})
	require.NoError(t, err)
	require.Len(t, listeners, 2)
	for _, ln := range listeners {
		require.NoError(t, ln.Close())
	}
}
