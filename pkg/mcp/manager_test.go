package mcp

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectRemovesFailedServers(t *testing.T) {
	cfg := ServersConfig{Servers: map[string]ServerConfig{}}
	for i := 0; i < 64; i++ {
		cfg.Servers[fmt.Sprintf("srv-%d", i)] = ServerConfig{
			ServerType: ServerTypeStdio,
			Command:    "/nonexistent/mcp-server-binary",
		}
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)

	// Every start fails; the failure path must not mutate the client map
	// while Connect ranges over it.
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Connect(context.Background())
		}()
	}
	wg.Wait()

	assert.Empty(t, m.clients)
	assert.Empty(t, m.Tools(context.Background()))
	assert.NoError(t, m.Close(context.Background()))
}
