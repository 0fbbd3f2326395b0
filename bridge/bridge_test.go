package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jagannathes/uplink/actions"
	"github.com/Jagannathes/uplink/partition"
)

func TestHandleRoutesPointsIntoSealedBatches(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	sealedCh := make(chan partition.Sealed, 4)
	b := New(0, 1<<16, sealedCh, map[string]partition.Config{"can": {BufSize: 1}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		b.handle(ctx, serverConn)
		close(done)
	}()

	_, err := clientConn.Write([]byte(`{"stream":"can","n":1}` + "\n"))
	require.NoError(t, err)

	select {
	case sealed := <-sealedCh:
		assert.Equal(t, "can", sealed.Batch.Stream)
		assert.Len(t, sealed.Batch.Points, 1)
	case <-time.After(time.Second):
		t.Fatal("expected a sealed batch from the routed point")
	}

	clientConn.Close()
	<-done
}

func TestSendActionRoundTrip(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	sealedCh := make(chan partition.Sealed, 4)
	b := New(0, 1<<16, sealedCh, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		b.handle(ctx, serverConn)
		close(done)
	}()

	// Give handle a moment to register itself as the current connection.
	time.Sleep(10 * time.Millisecond)

	respDone := make(chan struct{})
	go func() {
		defer close(respDone)
		reader := bufio.NewReader(clientConn)
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var a actions.Action
		require.NoError(t, json.Unmarshal(line[:len(line)-1], &a))
		resp := actions.New(a.ID, actions.StateFinished)
		payload, _ := json.Marshal(resp)
		_, _ = clientConn.Write(append(payload, '\n'))
	}()

	resp, err := b.SendAction(ctx, actions.Action{ID: "1", Kind: "reboot"})
	require.NoError(t, err)
	assert.Equal(t, actions.StateFinished, resp.State)

	<-respDone
	clientConn.Close()
	<-done
}

func TestSendActionWithNoConnectionReturnsBridgeDown(t *testing.T) {
	b := New(0, 1<<16, make(chan partition.Sealed, 1), nil)
	_, err := b.SendAction(context.Background(), actions.Action{ID: "1", Kind: "reboot"})
	assert.ErrorIs(t, err, ErrBridgeDown)
}
