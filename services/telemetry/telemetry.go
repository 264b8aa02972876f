// Package telemetry writes a CSV row of selected log vars on a fixed
// interval. The interval and columns follow config/telemetry.
package telemetry

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"qifan-go/bus"
	"qifan-go/registry"
	"qifan-go/types"
	"qifan-go/x/jsonx"
)

const DefaultInterval = 200 * time.Millisecond

var topicConfig = bus.T("config", "telemetry")

// DefaultColumns is used until config names others.
var DefaultColumns = []string{"custom_qi.state", "custom_qi.charging", "custom_qi.pmState"}

type Service struct {
	logs *registry.Registry
	log  zerolog.Logger

	out     io.Writer
	closer  io.Closer
	path    string
	w       *csv.Writer
	header  bool // header still owed to the current sink
	columns []string
	ids     []registry.VarID
	start   time.Time
}

// New returns a logger writing to out. A nil out defers the sink until a
// config with a path arrives.
func New(logs *registry.Registry, out io.Writer, log zerolog.Logger) *Service {
	return &Service{
		logs: logs,
		log:    log.With().Str("svc", "telemetry").Logger(),
		out:    out,
		header: true,
	}
}

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection) {
	cfgSub := conn.Subscribe(topicConfig)
	defer conn.Unsubscribe(cfgSub)
	defer s.closeSink()

	s.start = time.Now()
	s.setColumns(DefaultColumns)

	tick := time.NewTicker(DefaultInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("stopping")
			return
		case t := <-tick.C:
			if err := s.writeRow(t); err != nil {
				s.log.Warn().Err(err).Msg("row")
			}
		case msg := <-cfgSub.Channel():
			var cfg types.TelemetryConfig
			if err := jsonx.Decode(msg.Payload, &cfg); err != nil {
				s.log.Warn().Err(err).Msg("config decode")
				continue
			}
			if err := s.apply(cfg); err != nil {
				s.log.Error().Err(err).Msg("config")
				continue
			}
			if cfg.IntervalMs > 0 {
				tick.Reset(time.Duration(cfg.IntervalMs) * time.Millisecond)
				s.log.Info().Uint32("interval_ms", cfg.IntervalMs).Msg("interval set")
			}
		}
	}
}

// apply switches sinks only when the path changes. An existing file is
// appended to and gets a header only when empty or when the columns change.
func (s *Service) apply(cfg types.TelemetryConfig) error {
	if cfg.Path != "" && cfg.Path != s.path {
		f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return errors.Wrapf(err, "open %s", cfg.Path)
		}
		info, err := f.Stat()
		s.closeSink()
		s.out, s.closer, s.path = f, f, cfg.Path
		s.w = nil
		s.header = err != nil || info.Size() == 0
	}
	if len(cfg.Columns) > 0 && !slices.Equal(cfg.Columns, s.columns) {
		s.setColumns(cfg.Columns)
		s.header = true
	}
	return nil
}

// setColumns resolves names against the log registry. Unknown names stay
// as empty columns so the header matches what was asked for.
func (s *Service) setColumns(cols []string) {
	s.columns = slices.Clone(cols)
	s.ids = s.ids[:0]
	for _, c := range s.columns {
		id := s.logs.Lookup(c)
		if !id.Valid() {
			s.log.Warn().Str("column", c).Msg("unknown log var")
		}
		s.ids = append(s.ids, id)
	}
}

func (s *Service) writeRow(now time.Time) error {
	if s.out == nil {
		return nil
	}
	if s.w == nil {
		s.w = csv.NewWriter(s.out)
	}
	if s.header {
		if err := s.w.Write(append([]string{"t_host_s"}, s.columns...)); err != nil {
			return errors.Wrap(err, "header")
		}
		s.header = false
	}
	row := make([]string, 0, len(s.ids)+1)
	row = append(row, strconv.FormatFloat(now.Sub(s.start).Seconds(), 'f', 3, 64))
	for _, id := range s.ids {
		v, err := s.logs.Get(id)
		if err != nil {
			row = append(row, "")
			continue
		}
		row = append(row, strconv.FormatInt(v, 10))
	}
	if err := s.w.Write(row); err != nil {
		return errors.Wrap(err, "row")
	}
	s.w.Flush()
	return s.w.Error()
}

func (s *Service) closeSink() {
	if s.w != nil {
		s.w.Flush()
	}
	if s.closer != nil {
		_ = s.closer.Close()
		s.closer = nil
	}
}

// Start the telemetry logger.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	go s.serviceLoop(ctx, conn)
	return nil
}
