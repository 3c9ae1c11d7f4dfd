// Package main implements tzclient, a smoke client that exercises the
// session protocol against teed: it fetches the root key, opens a session,
// invokes the demo application and closes the session again.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gitee2github/itrustee-tzdriver/audit"
	"github.com/gitee2github/itrustee-tzdriver/auth"
	"github.com/gitee2github/itrustee-tzdriver/dispatch"
	"github.com/gitee2github/itrustee-tzdriver/mailbox"
	"github.com/gitee2github/itrustee-tzdriver/session"
	"github.com/gitee2github/itrustee-tzdriver/smc"
	"github.com/gitee2github/itrustee-tzdriver/teesim"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/tzdriver/tzclient.yaml", "Path to configuration file")
	devMode := flag.Bool("dev-mode", false, "Connect over TCP instead of vsock")
	teeCID := flag.Uint("tee-cid", 0, "TEE CID for vsock connection (overrides config)")
	teePort := flag.Uint("tee-port", 0, "TEE port (overrides config)")
	app := flag.String("app", "", "Trusted application UUID (overrides config)")
	invocations := flag.Int("n", -1, "Number of increment calls (overrides config)")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *teeCID != 0 {
		cfg.TEE.CID = uint32(*teeCID)
	}
	if *teePort != 0 {
		cfg.TEE.Port = uint32(*teePort)
	}
	if *app != "" {
		cfg.Application = *app
	}
	if *invocations >= 0 {
		cfg.Invocations = *invocations
	}
	cfg.DevMode = cfg.DevMode || *devMode

	log.Info().
		Str("version", Version).
		Bool("dev_mode", cfg.DevMode).
		Str("application", cfg.Application).
		Msg("TEE smoke client starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Smoke test failed")
	}
	log.Info().Msg("Smoke test passed")
}

func run(ctx context.Context, cfg *Config) error {
	id, err := cfg.ApplicationUUID()
	if err != nil {
		return err
	}

	var reporter audit.Reporter = audit.LogReporter{}
	if cfg.Audit.Enabled {
		nr, err := audit.DialNATS("tzdriver-tzclient", cfg.Audit)
		if err != nil {
			return err
		}
		defer nr.Close()
		reporter = audit.Multi{audit.LogReporter{}, nr}
	}

	pool := mailbox.NewPool(cfg.PoolSize)
	client, err := smc.Dial(cfg.TEE, pool, cfg.DevMode)
	if err != nil {
		return err
	}
	defer client.Close()

	sessions := session.NewManager()
	enhancer := auth.New(auth.Config{
		Sessions: sessions,
		Mailbox:  pool,
		Caller:   client,
		Reporter: reporter,
	})
	defer enhancer.FreeRootKey()

	d, err := dispatch.New(dispatch.Config{
		DevFileID: uint32(os.Getpid()),
		Pool:      pool,
		Sessions:  sessions,
		Enhancer:  enhancer,
		Caller:    client,
		Reporter:  reporter,
	})
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Init(); err != nil {
		return err
	}

	h, err := d.OpenSession(id, cfg.Login)
	if err != nil {
		return err
	}

	op := make([]byte, 8)
	for i := 0; i < cfg.Invocations; i++ {
		binary.LittleEndian.PutUint32(op, uint32(i))
		if err := d.Invoke(ctx, h, teesim.DemoCmdIncrement, op); err != nil {
			d.CloseSession(h)
			return err
		}
		log.Info().
			Int("call", i+1).
			Uint32("result", binary.LittleEndian.Uint32(op[4:])).
			Msg("Invoke returned")
	}

	if err := d.Invoke(ctx, h, teesim.DemoCmdPending, nil); err != nil {
		d.CloseSession(h)
		return err
	}
	log.Info().Msg("Pending call completed after resend")

	st := pool.GetStats()
	log.Debug().Int("used", st.Used).Int("buffers", st.Buffers).Msg("Mailbox usage")

	return d.CloseSession(h)
}
