package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulsemesh/gamecast/internal/hub"
	"github.com/pulsemesh/gamecast/internal/ledger"
	"github.com/pulsemesh/gamecast/internal/proto"
	"github.com/pulsemesh/gamecast/internal/session"
	"github.com/pulsemesh/gamecast/internal/slots"
)

type stubBridges struct{}

func (stubBridges) Spawn(kind string, slot int) error { return nil }
func (stubBridges) Stop(slot int)                     {}
func (stubBridges) Input(slot int, data []byte) error { return nil }

func TestParseRole(t *testing.T) {
	cases := []struct {
		in   string
		role hub.Role
		ok   bool
	}{
		{"producer", hub.RoleProducer, true},
		{"viewer", hub.RoleViewer, true},
		{"", hub.RoleViewer, true},
		{"admin", "", false},
	}
	for _, c := range cases {
		role, ok := parseRole(c.in)
		require.Equal(t, c.ok, ok, "role %q", c.in)
		require.Equal(t, c.role, role, "role %q", c.in)
	}
}

func TestMonogram(t *testing.T) {
	require.Equal(t, "ACE", monogram("ACE", ""))
	require.Equal(t, "LON", monogram("LONGNAME", ""))
	require.Equal(t, "HND", monogram("", "HND"))
	require.Equal(t, "ACE", monogram("ACE", "HND"))
	require.Equal(t, "???", monogram("", ""))
	require.Equal(t, "ÅÄÖ", monogram("ÅÄÖX", ""), "multibyte handles trim by rune")
}

type env struct {
	hub *hub.Hub
	mgr *session.Manager
	srv *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := hub.NewHub(ctx, zap.NewNop())
	pool := slots.NewPool(8)
	mgr := session.NewManager(pool, stubBridges{}, h, ledger.NewMemory(), time.Second, zap.NewNop())
	mgr.RegisterCategory(session.Category{
		Name: "solo", Capacity: 1, MinViable: 1, WorkerKind: "solo",
	})

	srv := httptest.NewServer(Handler(h, mgr, zap.NewNop()))
	t.Cleanup(srv.Close)
	return &env{hub: h, mgr: mgr, srv: srv}
}

func (e *env) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := strings.Replace(e.srv.URL, "http", "ws", 1) + "/ws" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func recv(t *testing.T, conn *websocket.Conn) proto.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	msg, err := proto.Decode(data)
	require.NoError(t, err)
	return msg
}

func send(t *testing.T, conn *websocket.Conn, msg proto.Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, proto.Encode(msg)))
}

func TestWelcomeHandshake(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t, "")

	msg := recv(t, conn)
	require.Equal(t, proto.TWelcome, msg.T)
	require.NotEmpty(t, msg.ConnID)
	require.Equal(t, "viewer", msg.Role)
}

func TestBadRoleRejected(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := strings.Replace(e.srv.URL, "http", "ws", 1) + "/ws?role=admin"
	_, _, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
}

func TestPingPongEchoesClientTime(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t, "")
	recv(t, conn) // welcome

	send(t, conn, proto.Message{T: proto.TPing, ClientTime: 4242})
	msg := recv(t, conn)
	require.Equal(t, proto.TPong, msg.T)
	require.Equal(t, int64(4242), msg.ClientTime)
	require.NotZero(t, msg.ServerTime)
}

func TestViewerCannotJoin(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t, "?role=viewer")
	recv(t, conn) // welcome

	send(t, conn, proto.Message{T: proto.TJoin, Monogram: "VWR", Category: "solo"})
	msg := recv(t, conn)
	require.Equal(t, proto.TError, msg.T)
	require.Contains(t, msg.Error, "producer-only")
}

func TestProducerJoinFormsMatch(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t, "?role=producer")
	recv(t, conn) // welcome

	send(t, conn, proto.Message{T: proto.TJoin, Monogram: "ACE", Category: "solo"})

	var created, joined bool
	for i := 0; i < 2; i++ {
		switch msg := recv(t, conn); msg.T {
		case proto.TMatchCreated:
			created = true
			require.Equal(t, "solo", msg.Category)
			require.NotEmpty(t, msg.MatchID)
		case proto.TPlayerJoined:
			joined = true
			require.Equal(t, "ACE", msg.Monogram)
		default:
			t.Fatalf("unexpected message %q", msg.T)
		}
	}
	require.True(t, created)
	require.True(t, joined)
}

func TestHandshakeNameUsedWhenJoinOmitsMonogram(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t, "?role=producer&name=HSK")
	recv(t, conn) // welcome

	send(t, conn, proto.Message{T: proto.TJoin, Category: "solo"})
	for i := 0; i < 2; i++ {
		if msg := recv(t, conn); msg.T == proto.TPlayerJoined {
			require.Equal(t, "HSK", msg.Monogram)
			return
		}
	}
	t.Fatal("no player.joined received")
}

func TestUnknownCategoryReturnsError(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t, "?role=producer")
	recv(t, conn) // welcome

	send(t, conn, proto.Message{T: proto.TJoin, Monogram: "ACE", Category: "nope"})
	msg := recv(t, conn)
	require.Equal(t, proto.TError, msg.T)
}

func TestLateJoinerReceivesLastFrame(t *testing.T) {
	e := newEnv(t)

	frame := proto.Encode(proto.Message{T: proto.TFrame, TS: 99, Payload: "scene"})
	e.hub.Inbox() <- hub.SetFrame{TS: 99, Payload: frame}
	require.Eventually(t, func() bool { return e.hub.LastFrame() != nil },
		time.Second, 5*time.Millisecond)

	conn := e.dial(t, "")
	recv(t, conn) // welcome
	msg := recv(t, conn)
	require.Equal(t, proto.TFrame, msg.T)
	require.Equal(t, int64(99), msg.TS)
	require.Equal(t, "scene", msg.Payload)
}

func TestDroppedByHubClosesConnection(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t, "")
	welcome := recv(t, conn)

	// The hub dropping a connection closes its outbox; the socket must follow
	// even if the client keeps reading happily.
	e.hub.Inbox() <- hub.Unregister{ID: welcome.ConnID}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
}

func TestUnknownTypeIsDropped(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t, "")
	recv(t, conn) // welcome

	send(t, conn, proto.Message{T: "mystery"})

	// Connection must stay usable afterwards.
	send(t, conn, proto.Message{T: proto.TPing, ClientTime: 7})
	msg := recv(t, conn)
	require.Equal(t, proto.TPong, msg.T)
}
