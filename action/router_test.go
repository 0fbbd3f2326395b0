package action

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jagannathes/uplink/actions"
	"github.com/Jagannathes/uplink/bridge"
	"github.com/Jagannathes/uplink/executor"
	"github.com/Jagannathes/uplink/partition"
	"github.com/Jagannathes/uplink/transport"
)

func TestRouterDispatchesToLocalTool(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ping"), []byte("#!/bin/sh\necho '{\"id\":\"1\",\"state\":\"Finished\"}'\n"), 0o755))

	client := transport.NewMockClient(16)
	ex := executor.New(dir)
	br := bridge.New(0, 1<<16, make(chan partition.Sealed, 1), nil)
	r := New(client, ex, br, dir, "action_status")

	payload, err := json.Marshal(actions.Action{ID: "1", Kind: "ping"})
	require.NoError(t, err)
	r.dispatch(context.Background(), payload)

	deadline := time.Now().Add(time.Second)
	var published []transport.Published
	for time.Now().Before(deadline) {
		published = client.Published()
		if len(published) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.GreaterOrEqual(t, len(published), 2)
	var last actions.ActionResponse
	require.NoError(t, json.Unmarshal(published[len(published)-1].Payload, &last))
	assert.Equal(t, actions.StateFinished, last.State)
}

func TestRouterForwardsToBridgeWhenNoLocalTool(t *testing.T) {
	dir := t.TempDir() // empty tools dir, no matching command

	client := transport.NewMockClient(16)
	ex := executor.New(dir)
	br := bridge.New(0, 1<<16, make(chan partition.Sealed, 1), nil)
	r := New(client, ex, br, dir, "action_status")

	payload, err := json.Marshal(actions.Action{ID: "1", Kind: "reboot"})
	require.NoError(t, err)
	r.dispatch(context.Background(), payload)

	deadline := time.Now().Add(time.Second)
	var published []transport.Published
	for time.Now().Before(deadline) {
		published = client.Published()
		if len(published) >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, published, 1)
	var resp actions.ActionResponse
	require.NoError(t, json.Unmarshal(published[0].Payload, &resp))
	assert.Equal(t, actions.StateFailed, resp.State)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0], "bridge")
}
