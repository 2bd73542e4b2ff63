package tcp

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/vmfleet.net/internal/adapter/crypto"
	"gitlab.com/vmfleet.net/internal/adapter/logging"
	"gitlab.com/vmfleet.net/internal/app"
	"gitlab.com/vmfleet.net/internal/config"
	"gitlab.com/vmfleet.net/internal/domain"
	"gitlab.com/vmfleet.net/internal/tcp/connectionmanager"
	"gitlab.com/vmfleet.net/internal/tcp/defs"
)

type fixture struct {
	app    *app.App
	server *TCPServer
	tokens *crypto.JWTServiceImpl
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.CoordinatorConfig{
		HeartbeatInterval: 15 * time.Second,
		MissedHeartbeats:  8,
		DeliveryTimeout:   5 * time.Minute,
		SchedulingGrace:   time.Minute,
		IngressPortFirst:  30000,
		IngressPortLast:   30010,
	}
	logger := logging.NewNopLogger()
	tokens := crypto.NewJWTService(&config.JwtConfig{Secret: "user-secret", WorkerSecret: "worker-secret"})
	a := app.New(cfg, domain.DefaultTierPolicy(), app.MemoryStores(cfg), tokens, logger, prometheus.NewRegistry())

	ctx := context.Background()
	_, err := a.Workers.RegisterWorker(ctx, &domain.Worker{
		ID:         "w-1",
		Address:    "10.0.0.7",
		Advertised: domain.Resources{Cores: 8, MemoryMB: 16384, DiskGB: 200},
	})
	require.NoError(t, err)
	_, err = a.Workers.RegisterWorker(ctx, &domain.Worker{
		ID:         "w-old",
		Advertised: domain.Resources{Cores: 2, MemoryMB: 2048, DiskGB: 20},
	})
	require.NoError(t, err)
	require.NoError(t, a.Workers.RetireWorker(ctx, "w-old"))

	server := NewTCPServer(a.Heartbeats, a.Workers, tokens, logger, WithHeartbeatInterval(time.Second))
	return &fixture{app: a, server: server, tokens: tokens}
}

// dial serves one end of an in-memory pipe and returns the other.
func (f *fixture) dial(t *testing.T) net.Conn {
	t.Helper()
	client, srv := net.Pipe()
	done := make(chan struct{})
	go func() {
		f.server.ServeConn(srv)
		close(done)
	}()
	t.Cleanup(func() {
		client.Close()
		<-done
	})
	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))
	return client
}

func (f *fixture) token(t *testing.T, workerID string) string {
	t.Helper()
	tok, err := f.tokens.IssueWorkerToken(context.Background(), workerID, time.Hour)
	require.NoError(t, err)
	return tok
}

func send(t *testing.T, conn net.Conn, msgType byte, v interface{}) {
	t.Helper()
	require.NoError(t, connectionmanager.SendJSON(conn, msgType, v))
}

func recv(t *testing.T, conn net.Conn, into interface{}) byte {
	t.Helper()
	msgType, payload, err := connectionmanager.ReadMessage(conn)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(payload, into))
	return msgType
}

func hello(t *testing.T, f *fixture, conn net.Conn) {
	t.Helper()
	send(t, conn, defs.MsgWorkerHello, defs.WorkerHelloData{WorkerID: "w-1", Token: f.token(t, "w-1")})
	var ack defs.HelloAckData
	require.Equal(t, defs.MsgHelloAck, recv(t, conn, &ack))
	assert.Equal(t, "w-1", ack.WorkerID)
	assert.Equal(t, 1, ack.HeartbeatIntervalSeconds)
}

func TestHeartbeatOverTCPDeliversAndAcknowledges(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	hello(t, f, conn)

	view, err := f.app.Workloads.Create(context.Background(), "owner-1", domain.WorkloadSpec{
		Resources: domain.Resources{Cores: 2, MemoryMB: 2048, DiskGB: 10},
		Tier:      domain.TierStandard,
	})
	require.NoError(t, err)

	send(t, conn, defs.MsgWorkerHeartbeat, domain.HeartbeatRequest{WorkerID: "w-1"})
	var resp domain.HeartbeatResponse
	require.Equal(t, defs.MsgHeartbeatAck, recv(t, conn, &resp))
	assert.True(t, resp.Acknowledged)
	require.Len(t, resp.PendingCommands, 1)
	cmd := resp.PendingCommands[0]
	assert.Equal(t, domain.CommandCreate, cmd.Type)
	assert.Equal(t, view.ID, cmd.WorkloadID)

	send(t, conn, defs.MsgWorkerHeartbeat, domain.HeartbeatRequest{
		Acks: []domain.Acknowledgment{{
			CommandToken: cmd.Token,
			WorkloadID:   view.ID,
			CommandType:  domain.CommandCreate,
			Success:      true,
			Result:       json.RawMessage(`{"ipAddress":"10.1.0.5","port":22}`),
		}},
		ActiveWorkloads: []string{view.ID},
	})
	resp = domain.HeartbeatResponse{}
	require.Equal(t, defs.MsgHeartbeatAck, recv(t, conn, &resp))
	assert.Empty(t, resp.PendingCommands)

	got, err := f.app.Workloads.Get(context.Background(), "owner-1", view.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, got.State)
	assert.Equal(t, 1, f.server.ConnectedWorkers())
}

func TestHeartbeatBeforeHelloClosesConnection(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	send(t, conn, defs.MsgWorkerHeartbeat, domain.HeartbeatRequest{WorkerID: "w-1"})
	var e defs.ErrorData
	require.Equal(t, defs.MsgError, recv(t, conn, &e))
	assert.Equal(t, defs.ErrCodeNotAuthenticated, e.Code)

	_, _, err := connectionmanager.ReadMessage(conn)
	assert.ErrorIs(t, err, io.EOF)
}

func TestHelloRejections(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		hello defs.WorkerHelloData
		code  int
	}{
		{"bad token", defs.WorkerHelloData{WorkerID: "w-1", Token: "garbage"}, defs.ErrCodeUnauthorized},
		{"token for another worker", defs.WorkerHelloData{WorkerID: "w-1", Token: f.token(t, "w-2")}, defs.ErrCodeUnauthorized},
		{"unknown worker", defs.WorkerHelloData{WorkerID: "w-9", Token: f.token(t, "w-9")}, defs.ErrCodeUnknownWorker},
		{"retired worker", defs.WorkerHelloData{WorkerID: "w-old", Token: f.token(t, "w-old")}, defs.ErrCodeWorkerRetired},
		{"missing id", defs.WorkerHelloData{}, defs.ErrCodeInvalidHello},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := f.dial(t)
			send(t, conn, defs.MsgWorkerHello, tt.hello)
			var e defs.ErrorData
			require.Equal(t, defs.MsgError, recv(t, conn, &e))
			assert.Equal(t, tt.code, e.Code)
		})
	}
}

func TestUnknownMessageKeepsConnection(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	require.NoError(t, connectionmanager.SendMessage(conn, 0x42, nil))
	var e defs.ErrorData
	require.Equal(t, defs.MsgError, recv(t, conn, &e))
	assert.Equal(t, defs.ErrCodeUnknownMessage, e.Code)

	hello(t, f, conn)
}

func TestMismatchedWorkerIDIsRejected(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	hello(t, f, conn)

	send(t, conn, defs.MsgWorkerHeartbeat, domain.HeartbeatRequest{WorkerID: "w-2"})
	var e defs.ErrorData
	require.Equal(t, defs.MsgError, recv(t, conn, &e))
	assert.Equal(t, defs.ErrCodeWorkerMismatch, e.Code)
}

func TestReadMessageValidatesFrame(t *testing.T) {
	header := make([]byte, defs.HeaderSize)
	binary.BigEndian.PutUint16(header[0:2], 0xBEEF)
	_, _, err := connectionmanager.ReadMessage(bytes.NewReader(header))
	assert.ErrorContains(t, err, "invalid magic number")

	binary.BigEndian.PutUint16(header[0:2], defs.MagicNumber)
	binary.BigEndian.PutUint32(header[4:8], defs.MaxPayloadSize+1)
	_, _, err = connectionmanager.ReadMessage(bytes.NewReader(header))
	assert.ErrorContains(t, err, "exceeds limit")
}

func TestStartAndStop(t *testing.T) {
	f := newFixture(t)
	f.server.address = "127.0.0.1:0"
	require.NoError(t, f.server.Start())

	conn, err := net.Dial("tcp", f.server.Addr().String())
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	hello(t, f, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.server.Stop(ctx))

	_, _, err = connectionmanager.ReadMessage(conn)
	assert.Error(t, err)
	assert.Equal(t, 0, f.server.ConnectedWorkers())
}
