// Package console is the operator interface: a line protocol over a
// serial port for reading and writing registry vars.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.bug.st/serial"

	"qifan-go/bus"
	"qifan-go/errcode"
	"qifan-go/types"
	"qifan-go/x/jsonx"
	"qifan-go/x/timex"
)

var (
	topicConfig = bus.T("config", "console")
	topicState  = bus.T("console", "state")
	// TopicExec accepts a command line as a string payload and replies
	// with the reply lines joined by newlines.
	TopicExec = bus.T("console", "exec")
)

// Dial opens the operator link. Tests replace it.
var Dial = func(ctx context.Context, c types.ConsoleConfig) (io.ReadWriteCloser, error) {
	p, err := serial.Open(c.Port, &serial.Mode{BaudRate: c.Baud})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", c.Port)
	}
	if c.ReadTimeoutMS > 0 {
		if err := p.SetReadTimeout(time.Duration(c.ReadTimeoutMS) * time.Millisecond); err != nil {
			_ = p.Close()
			return nil, errors.Wrap(err, "set read timeout")
		}
	}
	return p, nil
}

// Start runs the console until ctx is cancelled. It serves bus exec
// requests immediately and opens the serial link once config/console
// arrives.
func Start(ctx context.Context, conn *bus.Connection, h *Handler, log zerolog.Logger) {
	s := &Service{
		conn: conn,
		h:    h,
		log:  log.With().Str("svc", "console").Logger(),
	}
	s.run(ctx)
}

type Service struct {
	conn *bus.Connection
	h    *Handler
	log  zerolog.Logger

	mu     sync.Mutex
	curRun context.CancelFunc
}

func (s *Service) run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(topicConfig)
	defer s.conn.Unsubscribe(cfgSub)
	execSub := s.conn.Subscribe(TopicExec)
	defer s.conn.Unsubscribe(execSub)

	s.publishState("idle", "awaiting_config", nil)

	for {
		select {
		case <-ctx.Done():
			s.stopCurrent()
			return
		case msg, ok := <-execSub.Channel():
			if !ok {
				return
			}
			line, _ := msg.Payload.(string)
			s.conn.Reply(msg, strings.Join(s.h.Exec(line), "\n"), false)
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				s.publishState("error", "config_subscription_closed", nil)
				return
			}
			var cfg types.ConsoleConfig
			if err := jsonx.Decode(msg.Payload, &cfg); err != nil {
				s.publishState("error", "config_decode_failed", err)
				continue
			}
			s.reconfigure(ctx, cfg)
		}
	}
}

func (s *Service) stopCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.curRun != nil {
		s.curRun()
		s.curRun = nil
	}
}

func (s *Service) reconfigure(parent context.Context, cfg types.ConsoleConfig) {
	s.mu.Lock()
	if s.curRun != nil {
		s.curRun()
	}
	ctx, cancel := context.WithCancel(parent)
	s.curRun = cancel
	s.mu.Unlock()

	go s.runLink(ctx, cfg)
}

func (s *Service) runLink(ctx context.Context, cfg types.ConsoleConfig) {
	if cfg.Port == "" {
		s.publishState("error", string(errcode.TransportInit), errors.New("no port configured"))
		return
	}
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}
	maxBackoff := 5 * time.Second
	if cfg.RetryBackoffMS > 0 {
		maxBackoff = time.Duration(cfg.RetryBackoffMS) * time.Millisecond
	}
	backoff := backoffSeq(250*time.Millisecond, maxBackoff)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rwc, err := Dial(ctx, cfg)
		if err != nil {
			delay := backoff()
			s.publishState("degraded", "dial_failed_retrying", fmt.Errorf("%v (retry in %s)", err, delay))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		s.publishState("up", "link_established", nil)
		s.log.Info().Str("port", cfg.Port).Int("baud", cfg.Baud).Msg("link up")
		if err := s.handleLink(ctx, rwc); err != nil {
			_ = rwc.Close()
			delay := backoff()
			s.publishState("degraded", "link_lost_retrying", fmt.Errorf("%v (retry in %s)", err, delay))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		_ = rwc.Close()
		return
	}
}

// handleLink serves one connection. A nil return means ctx ended.
func (s *Service) handleLink(ctx context.Context, rwc io.ReadWriteCloser) error {
	lines := make(chan string)
	errCh := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		sc := bufio.NewScanner(rwc)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
		err := sc.Err()
		if err == nil {
			err = io.EOF
		}
		errCh <- err
	}()

	w := bufio.NewWriter(rwc)
	for {
		select {
		case <-ctx.Done():
			_ = rwc.Close()
			return nil
		case err := <-errCh:
			return err
		case line := <-lines:
			for _, out := range s.h.Exec(strings.TrimSpace(line)) {
				if _, err := w.WriteString(out + "\n"); err != nil {
					return err
				}
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
	}
}

func (s *Service) publishState(level, status string, err error) {
	payload := map[string]any{
		"level":  level,
		"status": status,
		"ts_ms":  timex.NowMs(),
	}
	if err != nil {
		payload["error"] = err.Error()
		s.log.Warn().Err(err).Str("status", status).Msg(level)
	}
	s.conn.Publish(s.conn.NewMessage(topicState, payload, true))
}

func backoffSeq(min, max time.Duration) func() time.Duration {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	cur := min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
