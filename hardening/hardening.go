// Package hardening applies process hardening to the daemons that hold key
// material: no new privileges, no core dumps and locked memory.
package hardening

import (
	"fmt"
	"runtime"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Config selects which hardening steps run.
type Config struct {
	// LockAll locks every current and future page of the process.
	LockAll bool
	// DevMode skips hardening entirely.
	DevMode bool
}

// DefaultConfig returns the hardening used outside development.
func DefaultConfig(devMode bool) Config {
	return Config{
		LockAll: !devMode && runtime.GOOS == "linux",
		DevMode: devMode,
	}
}

// Apply hardens the running process. Individual failures are logged and
// tolerated; inside an enclave several of these calls are not permitted
// and the enclave boundary already provides them.
func Apply(cfg Config) {
	if cfg.DevMode {
		log.Warn().Msg("SECURITY WARNING: Running in dev mode, process hardening not applied")
		return
	}
	if runtime.GOOS != "linux" {
		log.Warn().Str("os", runtime.GOOS).Msg("Process hardening only supported on Linux")
		return
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		log.Warn().Err(err).Msg("Failed to set no_new_privs")
	} else {
		log.Info().Msg("Set no_new_privs flag")
	}

	if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0}); err != nil {
		log.Warn().Err(err).Msg("Failed to disable core dumps")
	} else {
		log.Info().Msg("Disabled core dumps")
	}

	if cfg.LockAll {
		if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
			log.Warn().Err(err).Msg("Failed to lock memory (mlockall)")
		} else {
			log.Info().Msg("Memory locked (mlockall)")
		}
	}
}

// Verify checks that hardening applied by Apply is still in place.
func Verify() error {
	if runtime.GOOS != "linux" {
		return nil
	}

	ret, _, errno := syscall.Syscall(syscall.SYS_PRCTL, uintptr(unix.PR_GET_NO_NEW_PRIVS), 0, 0)
	if errno != 0 {
		return fmt.Errorf("cannot check no_new_privs: %v", errno)
	}
	if ret == 0 {
		return fmt.Errorf("SECURITY VIOLATION: no_new_privs is not set")
	}

	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_CORE, &rlim); err != nil {
		return fmt.Errorf("cannot check RLIMIT_CORE: %w", err)
	}
	if rlim.Cur != 0 || rlim.Max != 0 {
		return fmt.Errorf("SECURITY VIOLATION: core dumps are enabled")
	}
	return nil
}

// Lock keeps b out of swap. Failure is not fatal; the caller still wipes b
// when done with it.
func Lock(b []byte) bool {
	if len(b) == 0 || runtime.GOOS != "linux" {
		return false
	}
	if err := unix.Mlock(b); err != nil {
		log.Debug().Err(err).Int("len", len(b)).Msg("mlock failed")
		return false
	}
	return true
}

// Unlock reverses Lock.
func Unlock(b []byte) {
	if len(b) == 0 || runtime.GOOS != "linux" {
		return
	}
	if err := unix.Munlock(b); err != nil {
		log.Debug().Err(err).Msg("munlock failed")
	}
}

// Caller identifies the calling process the way secure calls carry it.
func Caller() (uid, tgid uint32) {
	return uint32(unix.Getuid()), uint32(unix.Getpid())
}
