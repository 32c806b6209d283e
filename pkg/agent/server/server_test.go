package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/cloudcheck/pkg/agent/protocol"
)

type stubDisks struct {
	mounted  []string
	listErr  error
	mountErr error
	mountCID string
}

func (d *stubDisks) ListMounted(context.Context) ([]string, error) {
	return d.mounted, d.listErr
}

func (d *stubDisks) Mount(_ context.Context, cid string) (*protocol.MountResult, error) {
	if d.mountErr != nil {
		return nil, d.mountErr
	}
	d.mountCID = cid
	return &protocol.MountResult{Device: "/dev/sdf", MountPoint: "/var/vcap/store", Changed: true}, nil
}

func newServer(disks Disks, disabled ...protocol.CommandType) *Server {
	return New(disks, Options{AgentID: "agent-1", Disabled: disabled, Logger: zerolog.Nop()})
}

func TestCapabilities(t *testing.T) {
	s := newServer(&stubDisks{})
	assert.Equal(t, map[string]bool{"ping": true, "disks.list_mounted": true, "disks.mount": true}, s.Capabilities())

	s = newServer(&stubDisks{}, protocol.CommandTypeListMounted)
	assert.Equal(t, map[string]bool{"ping": true, "disks.mount": true}, s.Capabilities())
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	disks := &stubDisks{mounted: []string{"vol-1"}}
	s := newServer(disks)

	out, errMsg := s.Dispatch(ctx, protocol.CommandTypePing, nil)
	require.Nil(t, errMsg)
	assert.JSONEq(t, `{"status":"ok"}`, string(out))

	out, errMsg = s.Dispatch(ctx, protocol.CommandTypeListMounted, nil)
	require.Nil(t, errMsg)
	assert.JSONEq(t, `{"disk_cids":["vol-1"]}`, string(out))

	out, errMsg = s.Dispatch(ctx, protocol.CommandTypeMount, json.RawMessage(`{"disk_cid":"vol-2"}`))
	require.Nil(t, errMsg)
	assert.Equal(t, "vol-2", disks.mountCID)
	assert.Contains(t, string(out), `"changed":true`)

	_, errMsg = s.Dispatch(ctx, protocol.CommandTypeMount, json.RawMessage(`{}`))
	require.NotNil(t, errMsg)
	assert.Equal(t, protocol.ErrCodeInvalidParams, errMsg.Code)

	_, errMsg = s.Dispatch(ctx, protocol.CommandTypeMount, nil)
	require.NotNil(t, errMsg)
	assert.Equal(t, protocol.ErrCodeInvalidParams, errMsg.Code)

	_, errMsg = s.Dispatch(ctx, protocol.CommandType("disks.resize"), nil)
	require.NotNil(t, errMsg)
	assert.Equal(t, protocol.ErrCodeUnsupported, errMsg.Code)
}

func TestDispatchEmptyListIsNotNull(t *testing.T) {
	out, errMsg := newServer(&stubDisks{}).Dispatch(context.Background(), protocol.CommandTypeListMounted, nil)
	require.Nil(t, errMsg)
	assert.JSONEq(t, `{"disk_cids":[]}`, string(out))
}

func TestDispatchErrors(t *testing.T) {
	ctx := context.Background()

	s := newServer(&stubDisks{listErr: errors.New("boom")})
	_, errMsg := s.Dispatch(ctx, protocol.CommandTypeListMounted, nil)
	require.NotNil(t, errMsg)
	assert.Equal(t, protocol.ErrCodeFailed, errMsg.Code)
	assert.False(t, errMsg.Retryable)

	s = newServer(&stubDisks{mountErr: context.DeadlineExceeded})
	_, errMsg = s.Dispatch(ctx, protocol.CommandTypeMount, json.RawMessage(`{"disk_cid":"vol-1"}`))
	require.NotNil(t, errMsg)
	assert.Equal(t, protocol.ErrCodeTimeout, errMsg.Code)
	assert.True(t, errMsg.Retryable)

	s = newServer(&stubDisks{}, protocol.CommandTypeListMounted)
	_, errMsg = s.Dispatch(ctx, protocol.CommandTypeListMounted, nil)
	require.NotNil(t, errMsg)
	assert.Equal(t, protocol.ErrCodeUnsupported, errMsg.Code)
}

func TestServeStdio(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	s := newServer(&stubDisks{mounted: []string{"vol-1"}})

	done := make(chan error, 1)
	go func() {
		done <- s.ServeStdio(context.Background(), inR, outW)
		_ = outW.Close()
	}()

	dec := protocol.NewDecoder(outR)
	enc := protocol.NewEncoder(inW)

	msg, err := dec.Decode()
	require.NoError(t, err)
	require.Equal(t, protocol.MessageTypeReady, msg.Type)
	var ready protocol.ReadyMessage
	require.NoError(t, protocol.ParseParams(msg.Data, &ready))
	assert.Equal(t, "agent-1", ready.AgentID)
	assert.True(t, ready.Supports(protocol.CommandTypeListMounted))

	require.NoError(t, enc.EncodeCommand(&protocol.CommandMessage{ID: "c1", Type: protocol.CommandTypeListMounted, Timeout: 5}))
	msg, err = dec.Decode()
	require.NoError(t, err)
	require.Equal(t, protocol.MessageTypeDone, msg.Type)
	var doneMsg protocol.DoneMessage
	require.NoError(t, protocol.ParseParams(msg.Data, &doneMsg))
	assert.Equal(t, "c1", doneMsg.CommandID)
	assert.JSONEq(t, `{"disk_cids":["vol-1"]}`, string(doneMsg.Result))

	require.NoError(t, enc.EncodeCommand(&protocol.CommandMessage{ID: "c2", Type: protocol.CommandType("disks.resize"), Timeout: 5}))
	msg, err = dec.Decode()
	require.NoError(t, err)
	require.Equal(t, protocol.MessageTypeError, msg.Type)
	var errMsg protocol.ErrorMessage
	require.NoError(t, protocol.ParseParams(msg.Data, &errMsg))
	assert.Equal(t, "c2", errMsg.CommandID)
	assert.Equal(t, protocol.ErrCodeUnsupported, errMsg.Code)

	require.NoError(t, inW.Close())
	msg, err = dec.Decode()
	require.NoError(t, err)
	require.Equal(t, protocol.MessageTypeExit, msg.Type)
	var exit protocol.ExitMessage
	require.NoError(t, protocol.ParseParams(msg.Data, &exit))
	assert.Equal(t, "stdin_closed", exit.Reason)
	assert.Equal(t, 2, exit.CommandsTotal)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeStdio did not return")
	}
}

func TestServeStdioMalformedCommand(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	s := newServer(&stubDisks{})
	go func() {
		_ = s.ServeStdio(context.Background(), inR, outW)
		_ = outW.Close()
	}()

	dec := protocol.NewDecoder(outR)
	_, err := dec.Decode()
	require.NoError(t, err)

	_, err = inW.Write([]byte("{not json}\n"))
	require.NoError(t, err)
	msg, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageTypeError, msg.Type)

	require.NoError(t, inW.Close())
	msg, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageTypeExit, msg.Type)
}

func decodeReply(t *testing.T, data []byte) *protocol.Reply {
	t.Helper()
	r, err := protocol.DecodeReply(data)
	require.NoError(t, err)
	return r
}

func TestHandleRequest(t *testing.T) {
	ctx := context.Background()
	disks := &stubDisks{mounted: []string{"vol-1", "vol-2"}}
	s := newServer(disks)

	r := decodeReply(t, s.HandleRequest(ctx, []byte(`{"method":"list_disk","arguments":[],"reply_to":"x"}`)))
	require.Nil(t, r.Exception)
	assert.JSONEq(t, `["vol-1","vol-2"]`, string(r.Value))

	r = decodeReply(t, s.HandleRequest(ctx, []byte(`{"method":"mount_disk","arguments":["vol-3"],"reply_to":"x"}`)))
	require.Nil(t, r.Exception)
	assert.Equal(t, "vol-3", disks.mountCID)

	r = decodeReply(t, s.HandleRequest(ctx, []byte(`{"method":"mount_disk","arguments":[],"reply_to":"x"}`)))
	require.NotNil(t, r.Exception)
	assert.False(t, r.Exception.Unsupported())

	r = decodeReply(t, s.HandleRequest(ctx, []byte(`{"method":"ping","arguments":[],"reply_to":"x"}`)))
	require.Nil(t, r.Exception)

	r = decodeReply(t, s.HandleRequest(ctx, []byte(`{"method":"get_state","arguments":[],"reply_to":"x"}`)))
	require.NotNil(t, r.Exception)
	assert.True(t, r.Exception.Unsupported())

	r = decodeReply(t, s.HandleRequest(ctx, []byte(`garbage`)))
	require.NotNil(t, r.Exception)
}

func TestHandleRequestDisabledMethod(t *testing.T) {
	s := newServer(&stubDisks{}, protocol.CommandTypeListMounted)
	r := decodeReply(t, s.HandleRequest(context.Background(), []byte(`{"method":"list_disk","arguments":[]}`)))
	require.NotNil(t, r.Exception)
	assert.Equal(t, "unknown message list_disk", r.Exception.Message)
}
