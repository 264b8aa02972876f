// Package mqttexport mirrors the controller telemetry to an MQTT broker.
package mqttexport

import (
	"context"
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"qifan-go/bus"
	"qifan-go/services/qi"
	"qifan-go/types"
	"qifan-go/x/jsonx"
	"qifan-go/x/strx"
)

const (
	DefaultClientID = "qifan"
	DefaultPrefix   = "qifan"
	publishTimeout  = 2 * time.Second
)

var (
	topicConfig = bus.T("config", "mqtt")
	topicLogs   = bus.T("log", qi.Group, bus.MultiLevel)
)

// Publisher is the broker side of the exporter.
type Publisher interface {
	Publish(topic string, payload []byte) error
	Close()
}

// Dial connects to the broker. Tests replace it.
var Dial = func(cfg types.MQTTConfig, log zerolog.Logger) (Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.OnConnect = func(mqtt.Client) { log.Info().Str("broker", cfg.Broker).Msg("connected") }
	opts.OnConnectionLost = func(_ mqtt.Client, err error) { log.Warn().Err(err).Msg("connection lost") }

	c := mqtt.NewClient(opts)
	// With ConnectRetry the token completes once the first attempt is
	// queued; later attempts run in the background.
	if tok := c.Connect(); tok.WaitTimeout(publishTimeout) && tok.Error() != nil {
		return nil, errors.Wrapf(tok.Error(), "connect %s", cfg.Broker)
	}
	return &pahoPublisher{c: c}, nil
}

type pahoPublisher struct{ c mqtt.Client }

func (p *pahoPublisher) Publish(topic string, payload []byte) error {
	tok := p.c.Publish(topic, 0, true, payload)
	if !tok.WaitTimeout(publishTimeout) {
		return errors.Errorf("publish %s: timeout", topic)
	}
	return tok.Error()
}

func (p *pahoPublisher) Close() { p.c.Disconnect(250) }

type Service struct {
	log   zerolog.Logger
	pub   Publisher
	topic string
	tel   types.Telemetry
}

func New(log zerolog.Logger) *Service {
	return &Service{log: log.With().Str("svc", "mqtt").Logger()}
}

// Start runs the exporter until ctx is cancelled. Nothing is sent until
// config/mqtt names a broker.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	go s.serviceLoop(ctx, conn)
	return nil
}

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection) {
	cfgSub := conn.Subscribe(topicConfig)
	defer conn.Unsubscribe(cfgSub)
	logSub := conn.Subscribe(topicLogs)
	defer conn.Unsubscribe(logSub)
	defer func() {
		if s.pub != nil {
			s.pub.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-cfgSub.Channel():
			var cfg types.MQTTConfig
			if err := jsonx.Decode(msg.Payload, &cfg); err != nil {
				s.log.Warn().Err(err).Msg("config decode")
				continue
			}
			s.connect(cfg)
		case msg := <-logSub.Channel():
			v, ok := msg.Payload.(types.VarValue)
			if !ok || !s.update(v) {
				continue
			}
			if err := s.flush(); err != nil {
				s.log.Warn().Err(err).Msg("publish")
			}
		}
	}
}

func (s *Service) connect(cfg types.MQTTConfig) {
	if s.pub != nil {
		s.pub.Close()
		s.pub = nil
	}
	if cfg.Broker == "" {
		s.log.Info().Msg("no broker configured")
		return
	}
	cfg.ClientID = strx.Coalesce(cfg.ClientID, DefaultClientID)
	s.topic = strx.Coalesce(cfg.Prefix, DefaultPrefix) + "/telemetry"
	pub, err := Dial(cfg, s.log)
	if err != nil {
		s.log.Error().Err(err).Msg("dial")
		return
	}
	s.pub = pub
	if err := s.flush(); err != nil {
		s.log.Warn().Err(err).Msg("publish")
	}
}

// update folds one log var into the snapshot.
func (s *Service) update(v types.VarValue) bool {
	switch v.Name {
	case qi.LogState:
		s.tel.State = types.ControllerState(v.Value)
	case qi.LogCharging:
		s.tel.Charging = v.Value != 0
	case qi.LogPMState:
		s.tel.RawStateCode = uint32(v.Value)
	default:
		return false
	}
	s.tel.TS = v.TS
	return true
}

func (s *Service) flush() error {
	if s.pub == nil {
		return nil
	}
	b, err := json.Marshal(s.tel)
	if err != nil {
		return errors.Wrap(err, "marshal telemetry")
	}
	return s.pub.Publish(s.topic, b)
}
