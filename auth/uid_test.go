package auth

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/gitee2github/itrustee-tzdriver/smc"
)

func TestTzmp2UID_OtherIdentity(t *testing.T) {
	env := newTestEnv(t)
	ctx := &ClientContext{UUID: smc.UUIDBytes(uuid.New())}

	open := &smc.Command{CmdType: smc.CmdTypeGlobal, CmdID: smc.GlobalCmdIDOpenSession, UID: 1000}
	if err := env.enhancer.Tzmp2UID(ctx, open, true); err != nil {
		t.Fatalf("Tzmp2UID failed: %v", err)
	}
	if open.UID != 1000 {
		t.Errorf("uid must be untouched, got %d", open.UID)
	}
	if _, ok := env.enhancer.UIDs().Get(); ok {
		t.Error("cache must not be populated for other identities")
	}

	invoke := &smc.Command{CmdType: smc.CmdTypeTA, UID: 1000}
	if err := env.enhancer.Tzmp2UID(ctx, invoke, false); err != nil {
		t.Errorf("invoke must pass through, got %v", err)
	}
	if invoke.UID != 1000 {
		t.Errorf("uid must be untouched, got %d", invoke.UID)
	}
}

func TestTzmp2UID_SpecialIdentity(t *testing.T) {
	env := newTestEnv(t)
	ctx := &ClientContext{UUID: smc.UUIDBytes(TZMPUUID)}

	early := &smc.Command{CmdType: smc.CmdTypeTA, UID: 1000}
	if err := env.enhancer.Tzmp2UID(ctx, early, false); !errors.Is(err, ErrUIDNotCached) {
		t.Fatalf("expected ErrUIDNotCached before open, got %v", err)
	}

	open := &smc.Command{CmdType: smc.CmdTypeGlobal, CmdID: smc.GlobalCmdIDOpenSession, UID: 1000}
	if err := env.enhancer.Tzmp2UID(ctx, open, true); err != nil {
		t.Fatalf("Tzmp2UID failed: %v", err)
	}
	if open.UID != TZMPUID {
		t.Errorf("expected uid %d on open, got %d", TZMPUID, open.UID)
	}
	uid, ok := env.enhancer.UIDs().Get()
	if !ok || uid != TZMPUID {
		t.Errorf("expected cached uid %d, got %d (valid %v)", TZMPUID, uid, ok)
	}

	invoke := &smc.Command{CmdType: smc.CmdTypeTA, UID: 2000}
	if err := env.enhancer.Tzmp2UID(ctx, invoke, false); err != nil {
		t.Fatalf("Tzmp2UID failed: %v", err)
	}
	if invoke.UID != TZMPUID {
		t.Errorf("expected cached uid on invoke, got %d", invoke.UID)
	}

	env.enhancer.UIDs().Reset()
	if _, ok := env.enhancer.UIDs().Get(); ok {
		t.Error("cache must be invalid after Reset")
	}
}

func TestTzmp2UID_Concurrent(t *testing.T) {
	env := newTestEnv(t)
	ctx := &ClientContext{UUID: smc.UUIDBytes(TZMPUUID)}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i uint32) {
			defer wg.Done()
			cmd := &smc.Command{CmdType: smc.CmdTypeGlobal, CmdID: smc.GlobalCmdIDOpenSession, UID: 100 + i}
			if err := env.enhancer.Tzmp2UID(ctx, cmd, true); err != nil {
				t.Errorf("Tzmp2UID failed: %v", err)
			}
		}(uint32(i))
	}
	wg.Wait()

	if uid, ok := env.enhancer.UIDs().Get(); !ok || uid != TZMPUID {
		t.Errorf("expected every open to collapse to uid %d, got %d", TZMPUID, uid)
	}
}
