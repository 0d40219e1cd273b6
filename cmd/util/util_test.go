package util

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestWrapString(t *testing.T) {
	text := "The address of the dDoc server. Multiple endpoints can be specified as a comma-separated list"
	wrapped := WrapString(text)

	for _, line := range strings.Split(wrapped, "\n") {
		require.LessOrEqual(t, len(line), Wrap)
	}
	require.Equal(t, strings.Fields(text), strings.Fields(wrapped))
}

func TestTransportsByName(t *testing.T) {
	t.Cleanup(viper.Reset)

	for _, name := range []string{"http", "ws", "tcp", "unix", "quic"} {
		viper.Set("transport", name)
		_, err := GetClientTransport()
		require.NoError(t, err, name)
		_, err = GetServerTransport()
		require.NoError(t, err, name)
	}

	viper.Set("transport", "carrier-pigeon")
	_, err := GetClientTransport()
	require.Error(t, err)
}

func TestClientConfigFromEnv(t *testing.T) {
	t.Cleanup(viper.Reset)
	t.Setenv("DDOC_TRANSPORT_ENDPOINTS", "a:1,b:2")
	t.Setenv("DDOC_DB", "9")
	InitConfig()

	config := GetClientConfig()
	require.Equal(t, []string{"a:1", "b:2"}, config.Transport.Endpoints)
	require.Equal(t, uint64(9), GetDatabaseID())
}
