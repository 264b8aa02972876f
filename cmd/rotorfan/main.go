// cmd/rotorfan/main.go
//
// Bench tool: spin all four rotors at a fixed power for a while, log the
// charger to CSV, then stop and drop bypass.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"qifan-go/bus"
	"qifan-go/drivers/canesc"
	"qifan-go/drivers/i2cbus"
	"qifan-go/drivers/ltc4015"
	"qifan-go/registry"
	"qifan-go/services/motors"
	"qifan-go/services/pm"
	"qifan-go/services/qi"
	"qifan-go/services/telemetry"
	"qifan-go/types"
	"qifan-go/x/mathx"
	"qifan-go/x/ramp"
)

// ---------- Configuration ----------

const (
	stopRetries = 5
	stopDelay   = 50 * time.Millisecond
	settle      = 300 * time.Millisecond
	rampSteps   = 20
)

var columns = []string{"pm.batteryLevel", "pm.chargeCurrent", "pm.state", "pm.vbat"}

func main() {
	pct := flag.Uint("pct", 4, "rotor power in percent")
	dur := flag.Duration("dur", time.Minute, "run time")
	rampDur := flag.Duration("ramp", 0, "soft-start time; 0 switches straight on")
	period := flag.Duration("period", 200*time.Millisecond, "CSV sample period")
	canIface := flag.String("can", "", "CAN interface; empty records outputs only")
	i2cBus := flag.String("i2c", "", "charger I2C bus")
	dir := flag.String("dir", "logs", "CSV output directory")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Str("svc", "rotorfan").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := uint16(mathx.Clamp(*pct, 0, 100))
	if err := run(ctx, log, p, *dur, *rampDur, *period, *canIface, *i2cBus, *dir); err != nil {
		log.Fatal().Err(err).Msg("run")
	}
}

func run(ctx context.Context, log zerolog.Logger, pct uint16, dur, rampDur, period time.Duration, canIface, i2cName, dir string) (err error) {
	b := bus.NewBus(16)
	params := registry.New(registry.KindParam, nil)
	logs := registry.New(registry.KindLog, nil)

	var drv motors.Driver = &motors.Recorder{}
	if canIface != "" {
		if drv, err = canesc.Dial(ctx, canIface, canesc.DefaultBaseID); err != nil {
			return err
		}
	}
	mot, err := motors.New(params, drv, 0, log)
	if err != nil {
		return multierr.Append(err, drv.Close())
	}
	// The motor service outlives ctx so the stop sequence still reaches
	// the driver after Ctrl-C.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	if err := mot.Start(runCtx, b.NewConnection("motors")); err != nil {
		return err
	}

	if adapter, closer, ierr := i2cbus.Open(i2cName); ierr != nil {
		log.Warn().Err(ierr).Msg("charger unavailable; CSV columns stay empty")
	} else {
		defer func() { err = multierr.Append(err, closer.Close()) }()
		svc, perr := pm.New(logs, ltc4015.New(adapter, ltc4015.Config{}), types.PMConfig{}, log)
		if perr != nil {
			return perr
		}
		if err := svc.Start(runCtx, b.NewConnection("pm")); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("rotorfan_%s.csv", time.Now().Format("20060102-150405")))
	conn := b.NewConnection("rotorfan")
	conn.Publish(conn.NewMessage(bus.T("config", "telemetry"), types.TelemetryConfig{
		IntervalMs: uint32(period / time.Millisecond),
		Path:       path,
		Columns:    columns,
	}, true))
	if err := telemetry.New(logs, nil, log).Start(runCtx, b.NewConnection("telemetry")); err != nil {
		return err
	}
	log.Info().Str("csv", path).Dur("period", period).Msg("logging")

	act, err := qi.ResolveParamActuator(params)
	if err != nil {
		return err
	}
	rotors := qi.NewMotors(act)
	log.Info().Uint16("pct", pct).Uint16("raw", qi.RawFromPercent(pct)).Dur("dur", dur).Msg("rotors on")
	err = ramp.Linear(ctx, 0, pct, 100, rampDur, rampSteps, sleep, rotors.SetAllPercent)
	if ctx.Err() != nil {
		err = nil
	}
	if err == nil {
		select {
		case <-ctx.Done():
			log.Info().Msg("interrupted")
		case <-time.After(dur):
		}
	}

	var stopErr error
	for range stopRetries {
		stopErr = rotors.Stop()
		time.Sleep(stopDelay)
	}
	time.Sleep(settle)
	log.Info().Interface("last", mot.Last()).Msg("rotors off")
	return multierr.Combine(err, stopErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
