package auth

import (
	"errors"
	"sync"
	"testing"

	"github.com/gitee2github/itrustee-tzdriver/aescbc"
	"github.com/gitee2github/itrustee-tzdriver/audit"
	"github.com/gitee2github/itrustee-tzdriver/mailbox"
	"github.com/gitee2github/itrustee-tzdriver/smc"
)

type mockSession struct {
	info  SecureInfo
	token [TokenLen]byte
}

func (s *mockSession) SecureInfo() *SecureInfo { return &s.info }
func (s *mockSession) Token() []byte           { return s.token[:] }

// mockSessions hands out one session and counts acquisitions.
type mockSessions struct {
	session  *mockSession
	found    int
	released int
}

func (m *mockSessions) Find(devFileID uint32, cmd *smc.Command) (Session, bool) {
	if m.session == nil || cmd == nil {
		return nil, false
	}
	m.found++
	return m.session, true
}

func (m *mockSessions) Release(s Session) {
	m.released++
}

func (m *mockSessions) balanced(t *testing.T) {
	t.Helper()
	if m.found != m.released {
		t.Errorf("Session acquired %d times but released %d times", m.found, m.released)
	}
}

type mockClientMemory struct {
	buf     []byte
	readErr error
}

func newClientMemory(token []byte) *mockClientMemory {
	return &mockClientMemory{buf: append([]byte(nil), token...)}
}

func (m *mockClientMemory) Size() int { return len(m.buf) }

func (m *mockClientMemory) ReadFromClient(dst []byte) error {
	if m.readErr != nil {
		return m.readErr
	}
	if len(dst) != len(m.buf) {
		return errors.New("size mismatch")
	}
	copy(dst, m.buf)
	return nil
}

func (m *mockClientMemory) WriteToClient(src []byte) error {
	if len(src) != len(m.buf) {
		return errors.New("size mismatch")
	}
	copy(m.buf, src)
	return nil
}

// mockCaller runs callFunc in place of the TEE.
type mockCaller struct {
	callFunc func(cmd *smc.Command) error
	calls    []smc.Command
}

func (m *mockCaller) Call(cmd *smc.Command) error {
	m.calls = append(m.calls, *cmd)
	if m.callFunc != nil {
		return m.callFunc(cmd)
	}
	cmd.RetVal = smc.ResultSuccess
	return nil
}

type recordingReporter struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingReporter) Report(ev audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingReporter) has(t audit.EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == t {
			return true
		}
	}
	return false
}

type testEnv struct {
	enhancer *Enhancer
	sessions *mockSessions
	session  *mockSession
	pool     *mailbox.Pool
	caller   *mockCaller
	reporter *recordingReporter
	engine   *aescbc.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		session:  &mockSession{},
		pool:     mailbox.NewPool(0),
		caller:   &mockCaller{},
		reporter: &recordingReporter{},
		engine:   aescbc.NewEngine(aescbc.NewRandom(nil, nil)),
	}
	env.sessions = &mockSessions{session: env.session}
	env.enhancer = New(Config{
		Sessions: env.sessions,
		Mailbox:  env.pool,
		Caller:   env.caller,
		Engine:   env.engine,
		Reporter: env.reporter,
	})
	return env
}

func (env *testEnv) provision(t *testing.T) {
	t.Helper()
	info := env.session.SecureInfo()
	info.ChallengeWord = 0x01020304
	info.Scrambling = [ScramblingNumber]uint32{0xA5C3E1F7, 0x5A3C1E0F, 0}
	if err := env.engine.Random().Fill(info.Crypto.Key[:]); err != nil {
		t.Fatal(err)
	}
	if err := env.engine.Random().Fill(info.Crypto.IV[:]); err != nil {
		t.Fatal(err)
	}
}

// taCommand returns an in-session command whose token points at a fresh
// mailbox buffer.
func (env *testEnv) taCommand(t *testing.T) (*smc.Command, []byte) {
	t.Helper()
	buf, err := env.pool.Alloc(TokenLen)
	if err != nil {
		t.Fatal(err)
	}
	cmd := &smc.Command{CmdType: smc.CmdTypeTA, CmdID: 1, ContextID: 9}
	cmd.TokenPhys, cmd.TokenHPhys = mailbox.SplitPhys(buf.Phys())
	return cmd, buf.Bytes()
}

func putCounter(token []byte, counter uint64, key uint32) {
	ts := ScrambleTimestamp(counter, key)
	copy(token[TimestampIndex:KernelAPIIndex], ts[:])
}

func readCounter(token []byte, key uint32) uint64 {
	var ts [TimestampLen]byte
	copy(ts[:], token[TimestampIndex:KernelAPIIndex])
	return DescrambleTimestamp(ts, key)
}
