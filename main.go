package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"qifan-go/bus"
	"qifan-go/drivers/canesc"
	"qifan-go/drivers/i2cbus"
	"qifan-go/drivers/ltc4015"
	"qifan-go/registry"
	"qifan-go/services/config"
	"qifan-go/services/console"
	"qifan-go/services/motors"
	"qifan-go/services/mqttexport"
	"qifan-go/services/pm"
	"qifan-go/services/qi"
	"qifan-go/services/telemetry"
	"qifan-go/types"
	"qifan-go/x/jsonx"
	"qifan-go/x/strx"
)

func main() {
	device := flag.String("device", strx.Coalesce(os.Getenv("QIFAN_DEVICE"), "bench"), "embedded config to load")
	serialPort := flag.String("serial", "", "operator console port (overrides config)")
	canIface := flag.String("can", "", "CAN interface for the ESC bridge (overrides config)")
	i2cBus := flag.String("i2c", "", "I2C bus for the charger (overrides config)")
	broker := flag.String("mqtt", "", "MQTT broker URL (overrides config)")
	flag.Parse()

	log := newLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, *device, overrides{
		serial: *serialPort,
		can:    *canIface,
		i2c:    *i2cBus,
		broker: *broker,
	}); err != nil {
		log.Fatal().Err(err).Msg("qifan")
	}
}

type overrides struct {
	serial, can, i2c, broker string
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if s := os.Getenv("QIFAN_LOG_LEVEL"); s != "" {
		if l, err := zerolog.ParseLevel(s); err == nil {
			level = l
		}
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stderr
	if isatty.IsTerminal(os.Stderr.Fd()) {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func run(ctx context.Context, log zerolog.Logger, device string, ov overrides) (err error) {
	b := bus.NewBus(16)
	conn := b.NewConnection("main")
	params := registry.New(registry.KindParam, b.NewConnection("params"))
	logs := registry.New(registry.KindLog, b.NewConnection("logs"))

	if err := config.NewConfigService(log).Publish(config.WithDevice(ctx, device), conn); err != nil {
		return err
	}
	applyOverrides(conn, ov)

	// Motors
	mcfg, _ := retained[types.MotorsConfig](conn, "motors")
	drv, err := motorDriver(ctx, mcfg, ov.can)
	if err != nil {
		return err
	}
	mot, err := motors.New(params, drv, time.Duration(mcfg.RefreshMs)*time.Millisecond, log)
	if err != nil {
		return multierr.Append(err, drv.Close())
	}
	if err := mot.Start(ctx, b.NewConnection("motors")); err != nil {
		return err
	}

	// Power management
	var direct qi.DirectSource
	pcfg, _ := retained[types.PMConfig](conn, "pm")
	if adapter, closer, perr := i2cbus.Open(pcfg.Bus); perr != nil {
		log.Warn().Err(perr).Msg("no charger bus; pm disabled")
	} else {
		defer func() { err = multierr.Append(err, closer.Close()) }()
		chg := ltc4015.New(adapter, ltc4015.Config{
			Address:    pcfg.Addr,
			RSNSB_uOhm: pcfg.RSNSB_uOhm,
			Cells:      pcfg.Cells,
		})
		if pcfg.Cells == 0 {
			if n, cerr := chg.DetectCells(); cerr != nil {
				log.Warn().Err(cerr).Msg("cell count")
			} else {
				log.Info().Uint8("cells", n).Msg("cells detected")
			}
		}
		svc, perr := pm.New(logs, chg, pcfg, log)
		if perr != nil {
			return perr
		}
		if err := svc.Start(ctx, b.NewConnection("pm")); err != nil {
			return err
		}
		if pcfg.Direct {
			direct = svc
		}
	}

	// Controller
	qd, err := qi.Start(ctx, b.NewConnection("qi"), qi.Options{
		Params: params,
		Logs:   logs,
		Direct: direct,
		Logger: log,
	})
	if err != nil {
		return err
	}
	if !qd.SelfTest() {
		log.Warn().Msg("self test failed")
	}

	// Operator and export surfaces
	go console.Start(ctx, b.NewConnection("console"), &console.Handler{Params: params, Logs: logs}, log)
	if err := telemetry.New(logs, nil, log).Start(ctx, b.NewConnection("telemetry")); err != nil {
		return err
	}
	if err := mqttexport.New(log).Start(ctx, b.NewConnection("mqtt")); err != nil {
		return err
	}

	log.Info().Str("device", device).Msg("running")
	<-ctx.Done()
	log.Info().Msg("shutting down")
	// Let services observe cancellation and drive outputs off.
	time.Sleep(100 * time.Millisecond)
	return nil
}

func motorDriver(ctx context.Context, c types.MotorsConfig, iface string) (motors.Driver, error) {
	switch c.Driver {
	case "can":
		if iface == "" {
			iface = c.CANInterface
		}
		return canesc.Dial(ctx, iface, c.CANBaseID)
	default:
		return &motors.Recorder{}, nil
	}
}

// applyOverrides republishes config keys that a flag replaces.
func applyOverrides(conn *bus.Connection, ov overrides) {
	if ov.serial != "" {
		c, _ := retained[types.ConsoleConfig](conn, "console")
		c.Port = ov.serial
		conn.Publish(conn.NewMessage(bus.T("config", "console"), c, true))
	}
	if ov.i2c != "" {
		c, _ := retained[types.PMConfig](conn, "pm")
		c.Bus = ov.i2c
		conn.Publish(conn.NewMessage(bus.T("config", "pm"), c, true))
	}
	if ov.broker != "" {
		c, _ := retained[types.MQTTConfig](conn, "mqtt")
		c.Broker = ov.broker
		conn.Publish(conn.NewMessage(bus.T("config", "mqtt"), c, true))
	}
}

// retained decodes the retained config/<key> message, if any.
func retained[T any](conn *bus.Connection, key string) (T, bool) {
	var v T
	sub := conn.Subscribe(bus.T("config", key))
	defer conn.Unsubscribe(sub)
	select {
	case msg := <-sub.Channel():
		if err := jsonx.Decode(msg.Payload, &v); err != nil {
			return v, false
		}
		return v, true
	default:
		return v, false
	}
}
