package dispatch

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"

	"github.com/google/uuid"

	"github.com/gitee2github/itrustee-tzdriver/audit"
	"github.com/gitee2github/itrustee-tzdriver/auth"
	"github.com/gitee2github/itrustee-tzdriver/mailbox"
	"github.com/gitee2github/itrustee-tzdriver/session"
	"github.com/gitee2github/itrustee-tzdriver/smc"
	"github.com/gitee2github/itrustee-tzdriver/teesim"
)

type recordingReporter struct {
	events []audit.Event
}

func (r *recordingReporter) Report(ev audit.Event) { r.events = append(r.events, ev) }

func (r *recordingReporter) has(t audit.EventType) bool {
	for _, ev := range r.events {
		if ev.Type == t {
			return true
		}
	}
	return false
}

type testEnv struct {
	driver   *Driver
	tee      *teesim.TEE
	store    *teesim.Store
	pool     *mailbox.Pool
	sessions *session.Manager
	enhancer *auth.Enhancer
	reporter *recordingReporter
}

func testMaterial() []byte {
	m := make([]byte, 48)
	for i := range m {
		m[i] = byte(0x11 * (i%15 + 1))
	}
	return m
}

func newTEE(t *testing.T) (*teesim.TEE, *teesim.Store) {
	t.Helper()
	store, err := teesim.NewStore("")
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	tee, err := teesim.New(teesim.Config{Store: store, Material: testMaterial()})
	if err != nil {
		t.Fatalf("teesim.New failed: %v", err)
	}
	t.Cleanup(tee.Close)
	tee.Register(teesim.DemoUUID, teesim.DemoApp{})
	tee.Register(auth.TZMPUUID, teesim.DemoApp{})
	return tee, store
}

func newEnvWithCaller(t *testing.T, pool *mailbox.Pool, caller smc.Caller) *testEnv {
	t.Helper()
	env := &testEnv{
		pool:     pool,
		sessions: session.NewManager(),
		reporter: &recordingReporter{},
	}
	env.enhancer = auth.New(auth.Config{
		Sessions: env.sessions,
		Mailbox:  pool,
		Caller:   caller,
		Reporter: env.reporter,
	})

	d, err := New(Config{
		DevFileID: 1,
		Pool:      pool,
		Sessions:  env.sessions,
		Enhancer:  env.enhancer,
		Caller:    caller,
		Reporter:  env.reporter,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	env.driver = d
	return env
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	tee, store := newTEE(t)
	pool := mailbox.NewPool(0)
	env := newEnvWithCaller(t, pool, &smc.Local{Handler: tee, Pool: pool})
	env.tee = tee
	env.store = store

	if err := env.driver.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return env
}

func increment(t *testing.T, env *testEnv, h *Handle, v uint32) {
	t.Helper()
	op := make([]byte, 8)
	binary.LittleEndian.PutUint32(op, v)
	if err := env.driver.Invoke(context.Background(), h, teesim.DemoCmdIncrement, op); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if got := binary.LittleEndian.Uint32(op[4:]); got != v+1 {
		t.Fatalf("expected %d, got %d", v+1, got)
	}
}

func (env *testEnv) row(t *testing.T, h *Handle) *teesim.Row {
	t.Helper()
	r, err := env.store.Get(1, h.SessionID, smc.UUIDBytes(h.UUID))
	if err != nil {
		t.Fatalf("TEE has no session %d: %v", h.SessionID, err)
	}
	return r
}

func TestOpenInvokeClose(t *testing.T) {
	env := newTestEnv(t)

	h, err := env.driver.OpenSession(teesim.DemoUUID, "/usr/bin/demo-ca")
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	if h.SessionID == 0 {
		t.Fatal("expected a session id")
	}
	if env.sessions.Len() != 1 {
		t.Errorf("expected one registered session, got %d", env.sessions.Len())
	}

	row := env.row(t, h)
	if row.CAInfo != "/usr/bin/demo-ca" {
		t.Errorf("TEE did not receive the login info, got %q", row.CAInfo)
	}

	for i := uint32(0); i < 5; i++ {
		increment(t, env, h, 100*i)
	}
	if row := env.row(t, h); row.Counter != 6 {
		t.Errorf("expected TEE counter 6 after five calls, got %d", row.Counter)
	}

	if err := env.driver.CloseSession(h); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}
	if n, _ := env.store.Count(teesim.StateOpen); n != 0 {
		t.Errorf("TEE still has %d open sessions", n)
	}
	if env.sessions.Len() != 0 {
		t.Errorf("driver still has %d sessions", env.sessions.Len())
	}
	if !env.reporter.has(audit.EventSessionClosed) {
		t.Error("expected session closed event")
	}

	if err := env.driver.Invoke(context.Background(), h, teesim.DemoCmdIncrement, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := env.driver.CloseSession(h); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on second close, got %v", err)
	}

	if st := env.pool.GetStats(); st.Used != 0 {
		t.Errorf("mailbox leaked %d bytes", st.Used)
	}
}

func TestOpenSession_WithoutLogin(t *testing.T) {
	env := newTestEnv(t)

	h, err := env.driver.OpenSession(teesim.DemoUUID, "")
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	if row := env.row(t, h); row.CAInfo != "" {
		t.Errorf("expected no login info, got %q", row.CAInfo)
	}
	increment(t, env, h, 1)
}

func TestInvoke_PendingIsResent(t *testing.T) {
	env := newTestEnv(t)

	h, err := env.driver.OpenSession(teesim.DemoUUID, "")
	if err != nil {
		t.Fatal(err)
	}
	increment(t, env, h, 1)

	if err := env.driver.Invoke(context.Background(), h, teesim.DemoCmdPending, nil); err != nil {
		t.Fatalf("pending call must succeed after resend: %v", err)
	}
	if row := env.row(t, h); row.Counter != 3 || !row.Pended {
		t.Errorf("expected counter 3 after the resent call, got %d (pended %v)", row.Counter, row.Pended)
	}

	increment(t, env, h, 2)
}

func TestInvoke_PendingHonoursContext(t *testing.T) {
	env := newTestEnv(t)

	h, err := env.driver.OpenSession(teesim.DemoUUID, "")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := env.driver.Invoke(ctx, h, teesim.DemoCmdPending, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// The unacknowledged timestamp was rolled back; the session goes on.
	increment(t, env, h, 7)
}

func TestInvoke_TrustedAppError(t *testing.T) {
	env := newTestEnv(t)

	h, err := env.driver.OpenSession(teesim.DemoUUID, "")
	if err != nil {
		t.Fatal(err)
	}

	err = env.driver.Invoke(context.Background(), h, 0x99, nil)
	var callErr *smc.CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected *smc.CallError, got %v", err)
	}
	if callErr.Origin != smc.OriginTrustedApp || callErr.Code != smc.ResultBadParameters {
		t.Errorf("unexpected failure: %v", callErr)
	}
	if h.ctx.ReturnOrigin != smc.OriginTrustedApp {
		t.Errorf("expected return origin TRUSTED_APP, got %d", h.ctx.ReturnOrigin)
	}

	// The TEE accepted the timestamp before the application failed.
	increment(t, env, h, 3)
}

func TestInvoke_RejectedTimestampIsRolledBack(t *testing.T) {
	env := newTestEnv(t)

	h, err := env.driver.OpenSession(teesim.DemoUUID, "")
	if err != nil {
		t.Fatal(err)
	}
	increment(t, env, h, 1)

	row := env.row(t, h)
	if err := env.store.Advance(row.RowID, row.Counter+5); err != nil {
		t.Fatal(err)
	}

	err = env.driver.Invoke(context.Background(), h, teesim.DemoCmdIncrement, make([]byte, 8))
	var callErr *smc.CallError
	if !errors.As(err, &callErr) || callErr.Origin != smc.OriginTEE || callErr.Code != smc.ResultAccessDenied {
		t.Fatalf("expected TEE access denied, got %v", err)
	}

	if err := env.store.Advance(row.RowID, row.Counter); err != nil {
		t.Fatal(err)
	}
	increment(t, env, h, 2)
}

func TestInvoke_ReplayedClientTokenKillsSession(t *testing.T) {
	env := newTestEnv(t)

	h, err := env.driver.OpenSession(teesim.DemoUUID, "")
	if err != nil {
		t.Fatal(err)
	}
	increment(t, env, h, 1)
	captured := h.token.buf

	increment(t, env, h, 2)
	h.token.buf = captured

	err = env.driver.Invoke(context.Background(), h, teesim.DemoCmdIncrement, make([]byte, 8))
	if !errors.Is(err, auth.ErrTokenMismatch) {
		t.Fatalf("expected ErrTokenMismatch, got %v", err)
	}
	if !env.reporter.has(audit.EventTokenMismatch) {
		t.Error("expected token mismatch event")
	}

	// The kernel token is gone; even the current client token is refused.
	err = env.driver.Invoke(context.Background(), h, teesim.DemoCmdIncrement, make([]byte, 8))
	if !errors.Is(err, auth.ErrTokenMismatch) {
		t.Errorf("expected the session to stay unusable, got %v", err)
	}
}

func TestTZMPSessionsShareUID(t *testing.T) {
	env := newTestEnv(t)

	if _, ok := env.enhancer.UIDs().Get(); ok {
		t.Fatal("uid cache must start invalid")
	}

	a, err := env.driver.OpenSession(auth.TZMPUUID, "")
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	b, err := env.driver.OpenSession(auth.TZMPUUID, "")
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}

	if uid, ok := env.enhancer.UIDs().Get(); !ok || uid != auth.TZMPUID {
		t.Errorf("expected cached uid %d, got %d (%v)", auth.TZMPUID, uid, ok)
	}
	if env.row(t, a).UID != auth.TZMPUID || env.row(t, b).UID != auth.TZMPUID {
		t.Error("TZMP sessions must run as the shared uid")
	}

	increment(t, env, a, 10)
	increment(t, env, b, 20)

	if err := env.driver.CloseSession(a); err != nil {
		t.Errorf("CloseSession failed: %v", err)
	}
}

func TestOpenSession_UnknownApplication(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.driver.OpenSession(uuid.New(), "")
	var callErr *smc.CallError
	if !errors.As(err, &callErr) || callErr.Code != smc.ResultItemNotFound {
		t.Fatalf("expected item not found, got %v", err)
	}
	if env.sessions.Len() != 0 {
		t.Error("failed open must not register a session")
	}
	if st := env.pool.GetStats(); st.Used != 0 {
		t.Errorf("mailbox leaked %d bytes", st.Used)
	}
}

func TestOpenSession_NoRootKey(t *testing.T) {
	tee, _ := newTEE(t)
	pool := mailbox.NewPool(0)
	env := newEnvWithCaller(t, pool, &smc.Local{Handler: tee, Pool: pool})

	if _, err := env.driver.OpenSession(teesim.DemoUUID, ""); !errors.Is(err, auth.ErrNoRootKey) {
		t.Errorf("expected ErrNoRootKey, got %v", err)
	}
}

func TestInvoke_OperationTooLarge(t *testing.T) {
	env := newTestEnv(t)

	h, err := env.driver.OpenSession(teesim.DemoUUID, "")
	if err != nil {
		t.Fatal(err)
	}
	err = env.driver.Invoke(context.Background(), h, teesim.DemoCmdIncrement, make([]byte, mailbox.OperationSize+1))
	if !errors.Is(err, ErrOperationSize) {
		t.Errorf("expected ErrOperationSize, got %v", err)
	}
}

func TestDriverClose(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 2; i++ {
		if _, err := env.driver.OpenSession(teesim.DemoUUID, ""); err != nil {
			t.Fatal(err)
		}
	}
	if n := env.driver.Close(); n != 2 {
		t.Errorf("expected 2 sessions dropped, got %d", n)
	}
	if env.sessions.Len() != 0 {
		t.Error("sessions must be gone")
	}
}

func TestOverTransport(t *testing.T) {
	tee, _ := newTEE(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go smc.NewServer(tee).Serve(ctx, l)

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	pool := mailbox.NewPool(0)
	client := smc.NewClient(conn, pool)
	defer client.Close()

	env := newEnvWithCaller(t, pool, client)
	if err := env.driver.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	h, err := env.driver.OpenSession(teesim.DemoUUID, "tzclient")
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	increment(t, env, h, 41)
	if err := env.driver.Invoke(context.Background(), h, teesim.DemoCmdPending, nil); err != nil {
		t.Fatalf("pending call failed: %v", err)
	}
	increment(t, env, h, 42)
	if err := env.driver.CloseSession(h); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}
}

func TestOpenSession_IssuesSyncedToken(t *testing.T) {
	env := newTestEnv(t)

	h, err := env.driver.OpenSession(teesim.DemoUUID, "")
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	defer env.driver.CloseSession(h)

	s, ok := env.sessions.Get(h.key)
	if !ok {
		t.Fatal("session not registered")
	}
	defer env.sessions.Release(s)

	tok, err := auth.DecodeToken(s.Token())
	if err != nil {
		t.Fatalf("DecodeToken failed: %v", err)
	}
	if tok.Sync != auth.IsSynced {
		t.Errorf("expected IS_SYNCED, got 0x%x", tok.Sync)
	}
	if tok.Identity != ([auth.IdentityLen]byte{}) {
		t.Error("identity must not stay in the kernel token")
	}
	if tok.TEEPart == ([auth.TEEPartLen]byte{}) {
		t.Error("TEE part was not issued")
	}
	if c := auth.DescrambleTimestamp(tok.Timestamp, s.SecureInfo().Scrambling[auth.ScramblingKey]); c != 1 {
		t.Errorf("expected counter 1, got %d", c)
	}

	var client [auth.ClientTokenLen]byte
	copy(client[:], h.token.buf[:])
	ct, err := auth.DecodeClientToken(client[:])
	if err != nil {
		t.Fatal(err)
	}
	if ct.Timestamp != tok.Timestamp || ct.Identity != env.row(t, h).Identity {
		t.Error("client token does not match the issued token")
	}
}
