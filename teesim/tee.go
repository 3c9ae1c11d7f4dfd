// Package teesim is a software TEE. It answers the secure calls the driver
// makes: it hands out the session root key, provisions per-session keys
// and scrambling values through the secure params exchange, issues tokens
// when a session opens and enforces the anti-replay timestamp on every
// in-session call before passing it to a trusted application.
package teesim

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/hkdf"

	"github.com/gitee2github/itrustee-tzdriver/aescbc"
	"github.com/gitee2github/itrustee-tzdriver/audit"
	"github.com/gitee2github/itrustee-tzdriver/auth"
	"github.com/gitee2github/itrustee-tzdriver/hardening"
	"github.com/gitee2github/itrustee-tzdriver/mailbox"
	"github.com/gitee2github/itrustee-tzdriver/rootkey"
	"github.com/gitee2github/itrustee-tzdriver/smc"
)

const saltSize = 16

// TrustedApp runs in-session commands for one application identity.
// Invoke returns a result code; anything but success is reported with
// origin TRUSTED_APP, except ResultPending.
type TrustedApp interface {
	Invoke(s *Row, cmdID uint32, operation []byte) uint32
}

// Config wires a TEE.
type Config struct {
	Store    *Store
	Engine   *aescbc.Engine
	Reporter audit.Reporter
	// Material is the 48-byte root key and IV.
	Material []byte
}

// TEE handles secure calls. Calls are executed one at a time.
type TEE struct {
	store    *Store
	engine   *aescbc.Engine
	reporter audit.Reporter
	material []byte
	locked   bool

	apps   map[[smc.UUIDLen]byte]TrustedApp
	nextID uint32
	mu     sync.Mutex
}

// New creates a TEE. It takes ownership of cfg.Material.
func New(cfg Config) (*TEE, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if len(cfg.Material) != rootkey.MaterialSize {
		return nil, rootkey.ErrBadMaterial
	}
	t := &TEE{
		store:    cfg.Store,
		engine:   cfg.Engine,
		reporter: cfg.Reporter,
		material: cfg.Material,
		apps:     make(map[[smc.UUIDLen]byte]TrustedApp),
	}
	if t.engine == nil {
		t.engine = aescbc.NewEngine(nil)
	}
	if t.reporter == nil {
		t.reporter = audit.LogReporter{}
	}
	t.locked = hardening.Lock(t.material)
	return t, nil
}

// Register installs a trusted application.
func (t *TEE) Register(id uuid.UUID, app TrustedApp) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.apps[smc.UUIDBytes(id)] = app
	log.Info().Str("uuid", id.String()).Msg("Trusted application registered")
}

// Close wipes the root key.
func (t *TEE) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.locked {
		hardening.Unlock(t.material)
	}
	aescbc.Wipe(t.material)
}

// HandleCall implements smc.Handler.
func (t *TEE) HandleCall(cmd *smc.Command, mem smc.Memory) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cmd.RetVal = smc.ResultSuccess
	cmd.ErrOrigin = smc.OriginTEE

	switch cmd.CmdType {
	case smc.CmdTypeGlobal:
		t.handleGlobal(cmd, mem)
	case smc.CmdTypeTA:
		t.invoke(cmd, mem)
	default:
		smc.Fail(cmd, smc.OriginTEE, smc.ResultNotSupported)
	}

	if cmd.RetVal != smc.ResultSuccess && cmd.RetVal != smc.ResultPending {
		log.Debug().Str("cmd", cmd.String()).Uint32("origin", cmd.ErrOrigin).Uint32("code", cmd.RetVal).Msg("Secure call failed")
	}
}

func (t *TEE) handleGlobal(cmd *smc.Command, mem smc.Memory) {
	switch cmd.CmdID {
	case smc.GlobalCmdIDGetSessionRootKey:
		t.rootKey(cmd, mem)
	case smc.GlobalCmdIDGetSessionSecureParams:
		t.secureParams(cmd, mem)
	case smc.GlobalCmdIDOpenSession:
		t.openSession(cmd, mem)
	case smc.GlobalCmdIDCloseSession:
		t.closeSession(cmd, mem)
	default:
		smc.Fail(cmd, smc.OriginTEE, smc.ResultNotImplemented)
	}
}

func (t *TEE) reject(cmd *smc.Command, code uint32, ev audit.EventType, detail string) {
	smc.Fail(cmd, smc.OriginTEE, code)
	e := audit.NewEvent(ev)
	e.DevFileID = cmd.DevFileID
	e.SessionID = cmd.ContextID
	e.CmdType = cmd.CmdType
	e.CmdID = cmd.CmdID
	e.Origin = cmd.ErrOrigin
	e.Code = cmd.RetVal
	e.Detail = detail
	t.reporter.Report(e)
}

func lookup(mem smc.Memory, lo, hi uint32, size int) ([]byte, bool) {
	if lo == 0 && hi == 0 {
		return nil, false
	}
	buf, ok := mem.Lookup(mailbox.JoinPhys(lo, hi))
	if !ok || len(buf) < size {
		return nil, false
	}
	return buf[:size], true
}

func (t *TEE) rootKey(cmd *smc.Command, mem smc.Memory) {
	buf, ok := lookup(mem, cmd.ParamsPhys, cmd.ParamsHPhys, auth.RootKeyBufLen)
	if !ok {
		smc.Fail(cmd, smc.OriginTEE, smc.ResultBadParameters)
		return
	}
	out, err := rootkey.Buffer(t.material)
	if err != nil {
		smc.Fail(cmd, smc.OriginTEE, smc.ResultGeneric)
		return
	}
	copy(buf, out)
	aescbc.Wipe(out)
	log.Info().Uint32("dev_file_id", cmd.DevFileID).Msg("Session root key handed out")
}

func (t *TEE) rootKeyBytes() []byte {
	return t.material[:aescbc.KeySize]
}

// deriveSession derives a session key and IV from the root key.
func (t *TEE) deriveSession(challenge uint32, id [smc.UUIDLen]byte, salt []byte) (auth.CryptoInfo, error) {
	info := make([]byte, 4+smc.UUIDLen)
	binary.LittleEndian.PutUint32(info, challenge)
	copy(info[4:], id[:])

	var out [auth.CryptoInfoSize]byte
	defer aescbc.Wipe(out[:])
	r := hkdf.New(sha256.New, t.rootKeyBytes(), salt, info)
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return auth.CryptoInfo{}, err
	}

	var ci auth.CryptoInfo
	copy(ci.Key[:], out[:aescbc.KeySize])
	copy(ci.IV[:], out[aescbc.KeySize:])
	return ci, nil
}

func (t *TEE) secureParams(cmd *smc.Command, mem smc.Memory) {
	buf, ok := lookup(mem, cmd.ParamsPhys, cmd.ParamsHPhys, auth.EncSecureParamsSize)
	if !ok {
		smc.Fail(cmd, smc.OriginTEE, smc.ResultBadParameters)
		return
	}

	p, err := auth.OpenParams(t.engine, buf, t.rootKeyBytes(), auth.DirREEToTEE)
	if err != nil {
		log.Warn().Err(err).Uint32("dev_file_id", cmd.DevFileID).Msg("SECURITY: Rejected secure params request")
		t.reject(cmd, smc.ResultSecurity, audit.EventProvisionFailed, "request frame")
		return
	}
	challenge := p.(*auth.REEToTEE).ChallengeWord

	salt := make([]byte, saltSize)
	if err := t.engine.Random().Fill(salt); err != nil {
		smc.Fail(cmd, smc.OriginTEE, smc.ResultGeneric)
		return
	}
	crypto, err := t.deriveSession(challenge, cmd.UUID, salt)
	if err != nil {
		smc.Fail(cmd, smc.OriginTEE, smc.ResultGeneric)
		return
	}

	row := &Row{DevFileID: cmd.DevFileID, UUID: cmd.UUID, Challenge: challenge, Crypto: crypto}
	defer row.Crypto.Wipe()
	for i := range row.Scrambling {
		if row.Scrambling[i], err = t.engine.Random().Uint32(); err != nil {
			smc.Fail(cmd, smc.OriginTEE, smc.ResultGeneric)
			return
		}
	}

	answer := &auth.TEEToREE{Scrambling: row.Scrambling, Crypto: row.Crypto}
	if err := auth.SealParams(t.engine, answer, t.rootKeyBytes(), buf); err != nil {
		smc.Fail(cmd, smc.OriginTEE, smc.ResultGeneric)
		return
	}
	answer.Crypto.Wipe()

	if err := t.store.InsertPending(row); err != nil {
		log.Error().Err(err).Msg("Failed to store provisioned session")
		smc.Fail(cmd, smc.OriginTEE, smc.ResultOutOfMemory)
		return
	}
	log.Debug().Uint32("dev_file_id", cmd.DevFileID).Int64("row", row.RowID).Msg("Session provisioned")
}

// findProvisioned returns the pending row whose session key opens the
// params frame and whose challenge it carries.
func (t *TEE) findProvisioned(cmd *smc.Command, frame []byte) (*Row, error) {
	rows, err := t.store.Pending(cmd.DevFileID, cmd.UUID)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		p, err := auth.OpenParams(t.engine, frame, r.Crypto.Key[:], auth.DirREEToTEE)
		if err != nil {
			continue
		}
		if p.(*auth.REEToTEE).ChallengeWord == r.Challenge {
			return r, nil
		}
	}
	return nil, ErrNoRow
}

// loginInfo decrypts the client's login information.
func (t *TEE) loginInfo(cmd *smc.Command, mem smc.Memory, key []byte) (string, error) {
	if cmd.LoginDataLen == 0 {
		return "", nil
	}
	buf, ok := lookup(mem, cmd.LoginDataPhy, cmd.LoginDataHAddr, int(cmd.LoginDataLen))
	if !ok {
		return "", errors.New("login data not mapped")
	}
	plain, err := t.engine.Decrypt(buf, key, nil)
	if err != nil {
		return "", err
	}
	defer aescbc.Wipe(plain)

	payload, err := aescbc.SplitTrailingHead(plain)
	if err != nil {
		return "", err
	}
	if n := len(payload); n > 0 && payload[n-1] == 0 {
		payload = payload[:n-1]
	}
	return string(payload), nil
}

func (t *TEE) openSession(cmd *smc.Command, mem smc.Memory) {
	app, ok := t.apps[cmd.UUID]
	if !ok || app == nil {
		smc.Fail(cmd, smc.OriginTEE, smc.ResultItemNotFound)
		return
	}

	frame, ok := lookup(mem, cmd.ParamsPhys, cmd.ParamsHPhys, auth.EncSecureParamsSize)
	if !ok {
		smc.Fail(cmd, smc.OriginTEE, smc.ResultBadParameters)
		return
	}
	token, ok := lookup(mem, cmd.TokenPhys, cmd.TokenHPhys, auth.TokenLen)
	if !ok {
		smc.Fail(cmd, smc.OriginTEE, smc.ResultBadParameters)
		return
	}

	row, err := t.findProvisioned(cmd, frame)
	if err != nil {
		log.Warn().Uint32("dev_file_id", cmd.DevFileID).Msg("SECURITY: Open session without a matching provisioned session")
		t.reject(cmd, smc.ResultAccessDenied, audit.EventCommandRejected, "unprovisioned open")
		return
	}
	defer row.Crypto.Wipe()

	caInfo, err := t.loginInfo(cmd, mem, row.Crypto.Key[:])
	if err != nil {
		log.Warn().Err(err).Msg("SECURITY: Rejected login information")
		t.reject(cmd, smc.ResultSecurity, audit.EventCommandRejected, "login info")
		return
	}

	if err := t.engine.Random().Fill(row.Identity[:]); err != nil {
		smc.Fail(cmd, smc.OriginTEE, smc.ResultGeneric)
		return
	}
	issued := auth.Token{
		Identity:  row.Identity,
		Timestamp: auth.ScrambleTimestamp(1, row.Scrambling[auth.ScramblingKey]),
		KernelAPI: token[auth.KernelAPIIndex],
		Sync:      auth.IsSynced,
	}
	if err := t.engine.Random().Fill(issued.TEEPart[:]); err != nil {
		smc.Fail(cmd, smc.OriginTEE, smc.ResultGeneric)
		return
	}
	if err := issued.Encode(token); err != nil {
		log.Error().Err(err).Msg("Failed to issue session token")
		smc.Fail(cmd, smc.OriginTEE, smc.ResultGeneric)
		return
	}

	t.nextID++
	row.SessionID = t.nextID
	row.Counter = 1
	row.PID = cmd.PID
	row.UID = cmd.UID
	row.CAInfo = caInfo
	if err := t.store.Open(row); err != nil {
		log.Error().Err(err).Msg("Failed to open session")
		aescbc.Wipe(token)
		smc.Fail(cmd, smc.OriginTEE, smc.ResultGeneric)
		return
	}

	cmd.ContextID = row.SessionID
	log.Info().
		Uint32("dev_file_id", cmd.DevFileID).
		Uint32("session_id", row.SessionID).
		Str("ca", caInfo).
		Msg("Session opened")
}

// verifyToken checks the identity and the advanced timestamp. It returns
// the counter the call carries.
func verifyToken(row *Row, token []byte) (uint64, bool) {
	tok, err := auth.DecodeToken(token)
	if err != nil {
		return 0, false
	}
	if subtle.ConstantTimeCompare(tok.Identity[:], row.Identity[:]) != 1 {
		return 0, false
	}
	counter := auth.DescrambleTimestamp(tok.Timestamp, row.Scrambling[auth.ScramblingKey])
	return counter, counter == row.Counter+1
}

func (t *TEE) invoke(cmd *smc.Command, mem smc.Memory) {
	row, err := t.store.Get(cmd.DevFileID, cmd.ContextID, cmd.UUID)
	if err != nil {
		smc.Fail(cmd, smc.OriginTEE, smc.ResultItemNotFound)
		return
	}
	defer row.Crypto.Wipe()

	token, ok := lookup(mem, cmd.TokenPhys, cmd.TokenHPhys, auth.TokenLen)
	if !ok {
		smc.Fail(cmd, smc.OriginTEE, smc.ResultBadParameters)
		return
	}

	// The command itself stays scrambled; the driver reads it back.
	plain := *cmd
	auth.ScrambleOperation(&plain, row.Scrambling[auth.ScramblingOperation])
	if plain.PID != row.PID || plain.UID != row.UID {
		log.Warn().Str("cmd", cmd.String()).Msg("SECURITY: Caller does not own the session")
		t.reject(cmd, smc.ResultAccessDenied, audit.EventCommandRejected, "caller")
		return
	}

	counter, ok := verifyToken(row, token)
	if !ok {
		log.Warn().Str("cmd", cmd.String()).Msg("SECURITY: Rejected replayed or forged token")
		t.reject(cmd, smc.ResultAccessDenied, audit.EventTokenMismatch, "timestamp")
		return
	}

	var operation []byte
	if plain.OperationPhys != 0 || plain.OperationHPhys != 0 {
		if operation, ok = lookup(mem, plain.OperationPhys, plain.OperationHPhys, mailbox.OperationSize); !ok {
			smc.Fail(cmd, smc.OriginTEE, smc.ResultBadParameters)
			return
		}
	}

	app := t.apps[cmd.UUID]
	if app == nil {
		smc.Fail(cmd, smc.OriginTEE, smc.ResultItemNotFound)
		return
	}
	code := app.Invoke(row, cmd.CmdID, operation)

	if code == smc.ResultPending {
		// The call is resent with a fresh timestamp; nothing is accepted.
		if err := t.store.SetPended(row.RowID, true); err != nil {
			log.Error().Err(err).Msg("Failed to record pending call")
		}
		smc.Fail(cmd, smc.OriginTEE, smc.ResultPending)
		return
	}

	if err := t.store.Advance(row.RowID, counter); err != nil {
		log.Error().Err(err).Msg("Failed to store timestamp")
		smc.Fail(cmd, smc.OriginTEE, smc.ResultGeneric)
		return
	}
	token[auth.SyncIndex] = auth.IsSynced

	if code != smc.ResultSuccess {
		smc.Fail(cmd, smc.OriginTrustedApp, code)
	}
}

func (t *TEE) closeSession(cmd *smc.Command, mem smc.Memory) {
	row, err := t.store.Get(cmd.DevFileID, cmd.ContextID, cmd.UUID)
	if err != nil {
		smc.Fail(cmd, smc.OriginTEE, smc.ResultItemNotFound)
		return
	}
	defer row.Crypto.Wipe()

	token, ok := lookup(mem, cmd.TokenPhys, cmd.TokenHPhys, auth.TokenLen)
	if !ok || subtle.ConstantTimeCompare(token[auth.IdentityIndex:auth.TEEPartIndex], row.Identity[:]) != 1 {
		log.Warn().Str("cmd", cmd.String()).Msg("SECURITY: Close with foreign token")
		t.reject(cmd, smc.ResultAccessDenied, audit.EventTokenMismatch, "close")
		return
	}

	if err := t.store.Delete(row.RowID); err != nil {
		log.Error().Err(err).Msg("Failed to delete session")
		smc.Fail(cmd, smc.OriginTEE, smc.ResultGeneric)
		return
	}
	token[auth.SyncIndex] = auth.IsSynced
	log.Info().Uint32("dev_file_id", cmd.DevFileID).Uint32("session_id", cmd.ContextID).Msg("Session closed")
}

// PurgeLoop drops provisioned sessions that were never opened.
func (t *TEE) PurgeLoop(done <-chan struct{}, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			n, err := t.store.PurgePending(maxAge)
			if err != nil {
				log.Error().Err(err).Msg("Failed to purge pending sessions")
			} else if n > 0 {
				log.Info().Int64("count", n).Msg("Purged unopened sessions")
			}
		}
	}
}
