package teesim

import (
	"testing"

	"github.com/gitee2github/itrustee-tzdriver/aescbc"
	"github.com/gitee2github/itrustee-tzdriver/audit"
	"github.com/gitee2github/itrustee-tzdriver/auth"
	"github.com/gitee2github/itrustee-tzdriver/mailbox"
	"github.com/gitee2github/itrustee-tzdriver/smc"
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

func testMaterial() []byte {
	m := make([]byte, 48)
	for i := range m {
		m[i] = byte(0x40 + i)
	}
	return m
}

type teeEnv struct {
	tee      *TEE
	store    *Store
	pool     *mailbox.Pool
	engine   *aescbc.Engine
	reporter *recordingReporter
}

func newTeeEnv(t *testing.T) *teeEnv {
	t.Helper()
	env := &teeEnv{
		store:    newTestStore(t),
		pool:     mailbox.NewPool(0),
		engine:   aescbc.NewEngine(nil),
		reporter: &recordingReporter{},
	}
	tee, err := New(Config{Store: env.store, Engine: env.engine, Reporter: env.reporter, Material: testMaterial()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	tee.Register(DemoUUID, DemoApp{})
	t.Cleanup(tee.Close)
	env.tee = tee
	return env
}

func (env *teeEnv) alloc(t *testing.T, n int) *mailbox.Buffer {
	t.Helper()
	b, err := env.pool.Alloc(n)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func globalCmd(id uint32, params *mailbox.Buffer) *smc.Command {
	cmd := &smc.Command{
		UUID:      smc.UUIDBytes(DemoUUID),
		CmdType:   smc.CmdTypeGlobal,
		CmdID:     id,
		DevFileID: 3,
	}
	if params != nil {
		cmd.ParamsPhys, cmd.ParamsHPhys = mailbox.SplitPhys(params.Phys())
	}
	return cmd
}

func TestNew_RejectsBadMaterial(t *testing.T) {
	if _, err := New(Config{Store: newTestStore(t), Material: make([]byte, 32)}); err == nil {
		t.Error("expected error for short material")
	}
	if _, err := New(Config{Material: testMaterial()}); err == nil {
		t.Error("expected error for missing store")
	}
}

func TestHandleCall_RootKey(t *testing.T) {
	env := newTeeEnv(t)

	buf := env.alloc(t, auth.RootKeyBufLen)
	cmd := globalCmd(smc.GlobalCmdIDGetSessionRootKey, buf)
	env.tee.HandleCall(cmd, env.pool)
	if err := smc.Result(cmd); err != nil {
		t.Fatalf("root key call failed: %v", err)
	}

	rk := auth.NewRootKey()
	if err := rk.Load(buf.Bytes()); err != nil {
		t.Fatalf("driver must accept the root key buffer: %v", err)
	}

	small := env.alloc(t, 16)
	cmd = globalCmd(smc.GlobalCmdIDGetSessionRootKey, small)
	env.tee.HandleCall(cmd, env.pool)
	if cmd.RetVal != smc.ResultBadParameters || cmd.ErrOrigin != smc.OriginTEE {
		t.Errorf("expected bad parameters from TEE, got origin %d code 0x%x", cmd.ErrOrigin, cmd.RetVal)
	}
}

func TestHandleCall_SecureParams(t *testing.T) {
	env := newTeeEnv(t)
	rootKey := testMaterial()[:aescbc.KeySize]

	buf := env.alloc(t, auth.EncSecureParamsSize)
	if err := auth.SealParams(env.engine, &auth.REEToTEE{ChallengeWord: 0x1234}, rootKey, buf.Bytes()); err != nil {
		t.Fatal(err)
	}

	cmd := globalCmd(smc.GlobalCmdIDGetSessionSecureParams, buf)
	env.tee.HandleCall(cmd, env.pool)
	if err := smc.Result(cmd); err != nil {
		t.Fatalf("secure params call failed: %v", err)
	}

	p, err := auth.OpenParams(env.engine, buf.Bytes(), rootKey, auth.DirTEEToREE)
	if err != nil {
		t.Fatalf("answer must open under the root key: %v", err)
	}
	answer := p.(*auth.TEEToREE)

	rows, err := env.store.Pending(3, cmd.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one pending row, got %d", len(rows))
	}
	if rows[0].Challenge != 0x1234 || rows[0].Crypto.Key != answer.Crypto.Key || rows[0].Scrambling != answer.Scrambling {
		t.Error("stored session does not match the answer")
	}
}

func TestHandleCall_SecureParamsWrongKey(t *testing.T) {
	env := newTeeEnv(t)

	wrong := make([]byte, aescbc.KeySize)
	buf := env.alloc(t, auth.EncSecureParamsSize)
	if err := auth.SealParams(env.engine, &auth.REEToTEE{ChallengeWord: 1}, wrong, buf.Bytes()); err != nil {
		t.Fatal(err)
	}

	cmd := globalCmd(smc.GlobalCmdIDGetSessionSecureParams, buf)
	env.tee.HandleCall(cmd, env.pool)
	if cmd.RetVal != smc.ResultSecurity || cmd.ErrOrigin != smc.OriginTEE {
		t.Errorf("expected security error from TEE, got origin %d code 0x%x", cmd.ErrOrigin, cmd.RetVal)
	}
	if !env.reporter.has(audit.EventProvisionFailed) {
		t.Error("expected provision failure event")
	}
	if n, _ := env.store.Count(StatePending); n != 0 {
		t.Errorf("nothing must be provisioned, got %d", n)
	}
}

func TestHandleCall_OpenWithoutProvisioning(t *testing.T) {
	env := newTeeEnv(t)

	params := env.alloc(t, auth.EncSecureParamsSize)
	token := env.alloc(t, auth.TokenLen)
	key := make([]byte, aescbc.KeySize)
	if err := auth.SealParams(env.engine, &auth.REEToTEE{ChallengeWord: 9}, key, params.Bytes()); err != nil {
		t.Fatal(err)
	}

	cmd := globalCmd(smc.GlobalCmdIDOpenSession, params)
	cmd.TokenPhys, cmd.TokenHPhys = mailbox.SplitPhys(token.Phys())
	env.tee.HandleCall(cmd, env.pool)
	if cmd.RetVal != smc.ResultAccessDenied {
		t.Errorf("expected access denied, got 0x%x", cmd.RetVal)
	}
	if cmd.ContextID != 0 {
		t.Error("no session id must be assigned")
	}
}

func TestHandleCall_UnknownApplication(t *testing.T) {
	env := newTeeEnv(t)

	cmd := globalCmd(smc.GlobalCmdIDOpenSession, nil)
	cmd.UUID[0] ^= 0xFF
	env.tee.HandleCall(cmd, env.pool)
	if cmd.RetVal != smc.ResultItemNotFound {
		t.Errorf("expected item not found, got 0x%x", cmd.RetVal)
	}
}

func TestHandleCall_Unsupported(t *testing.T) {
	env := newTeeEnv(t)

	cmd := &smc.Command{CmdType: smc.CmdTypeBuiltinAgent}
	env.tee.HandleCall(cmd, env.pool)
	if cmd.RetVal != smc.ResultNotSupported {
		t.Errorf("expected not supported, got 0x%x", cmd.RetVal)
	}

	cmd = globalCmd(0x7F, nil)
	env.tee.HandleCall(cmd, env.pool)
	if cmd.RetVal != smc.ResultNotImplemented {
		t.Errorf("expected not implemented, got 0x%x", cmd.RetVal)
	}

	cmd = &smc.Command{CmdType: smc.CmdTypeTA, UUID: smc.UUIDBytes(DemoUUID), ContextID: 99}
	env.tee.HandleCall(cmd, env.pool)
	if cmd.RetVal != smc.ResultItemNotFound {
		t.Errorf("expected item not found for unknown session, got 0x%x", cmd.RetVal)
	}
}

func TestVerifyToken(t *testing.T) {
	row := &Row{Counter: 4, Scrambling: [3]uint32{0xDEADBEEF, 0, 0}}
	row.Identity[3] = 7

	tok := auth.Token{Identity: row.Identity, Timestamp: auth.ScrambleTimestamp(5, 0xDEADBEEF)}
	buf := make([]byte, auth.TokenLen)
	if err := tok.Encode(buf); err != nil {
		t.Fatal(err)
	}

	if c, ok := verifyToken(row, buf); !ok || c != 5 {
		t.Errorf("expected counter 5 to be accepted, got %d %v", c, ok)
	}

	replay := auth.Token{Identity: row.Identity, Timestamp: auth.ScrambleTimestamp(4, 0xDEADBEEF)}
	_ = replay.Encode(buf)
	if _, ok := verifyToken(row, buf); ok {
		t.Error("replayed counter must be rejected")
	}

	forged := auth.Token{Timestamp: auth.ScrambleTimestamp(5, 0xDEADBEEF)}
	_ = forged.Encode(buf)
	if _, ok := verifyToken(row, buf); ok {
		t.Error("foreign identity must be rejected")
	}
	if _, ok := verifyToken(row, buf[:auth.SyncIndex]); ok {
		t.Error("short token must be rejected")
	}
}

func TestDemoApp(t *testing.T) {
	op := make([]byte, mailbox.OperationSize)
	op[0] = 41
	row := &Row{}

	if code := (DemoApp{}).Invoke(row, DemoCmdIncrement, op); code != smc.ResultSuccess || op[4] != 42 {
		t.Errorf("increment failed: code 0x%x value %d", code, op[4])
	}
	if code := (DemoApp{}).Invoke(row, DemoCmdIncrement, nil); code != smc.ResultBadParameters {
		t.Errorf("expected bad parameters without operation, got 0x%x", code)
	}
	if code := (DemoApp{}).Invoke(row, DemoCmdPending, nil); code != smc.ResultPending {
		t.Errorf("expected pending on first call, got 0x%x", code)
	}
	row.Pended = true
	if code := (DemoApp{}).Invoke(row, DemoCmdPending, nil); code != smc.ResultSuccess {
		t.Errorf("expected success after pending, got 0x%x", code)
	}
	if code := (DemoApp{}).Invoke(row, 99, nil); code != smc.ResultBadParameters {
		t.Errorf("expected bad parameters, got 0x%x", code)
	}
}
