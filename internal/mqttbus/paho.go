package mqttbus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/rand"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/slyglif/tedapi2mqtt/internal/config"
	"github.com/slyglif/tedapi2mqtt/internal/errors"
	"github.com/slyglif/tedapi2mqtt/internal/logger"
)

const (
	connectTimeout   = 10 * time.Second
	publishTimeout   = 10 * time.Second
	disconnectGraceM = 250 // milliseconds allowed for in-flight messages

	// Bridge availability payloads. The will flips the status topic to
	// offline when the session drops without a clean disconnect.
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// StatusTopic returns the retained availability topic for the given prefix.
func StatusTopic(prefix string) string {
	return prefix + "/bridge/status"
}

// PahoBus is the production Bus implementation over paho. Automatic
// reconnection is disabled: the poll loop owns reconnect policy and calls
// Connect again after a failed publish.
type PahoBus struct {
	client      mqtt.Client
	statusTopic string
	onLost      func(error)
}

var _ Bus = (*PahoBus)(nil)

// NewPahoBus builds a bus from the broker parameters in cfg. onLost is
// invoked from paho's network goroutine whenever the session drops; it must
// not block.
func NewPahoBus(cfg *config.Config, onLost func(error)) (*PahoBus, error) {
	bus := &PahoBus{
		statusTopic: StatusTopic(cfg.TopicPrefix),
		onLost:      onLost,
	}

	scheme := "tcp"
	if cfg.BrokerSSL {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerHost, cfg.BrokerPort)).
		SetClientID(fmt.Sprintf("tedapi2mqtt-%d", rand.Intn(1000))).
		SetUsername(cfg.BrokerUsername).
		SetPassword(cfg.BrokerPassword).
		SetAutoReconnect(false).
		SetConnectTimeout(connectTimeout).
		SetWill(StatusTopic(cfg.TopicPrefix), StatusOffline, 1, true)

	if cfg.BrokerSSL {
		tlsConfig, err := newTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("MQTT connection lost")
		if bus.onLost != nil {
			bus.onLost(err)
		}
	})

	bus.client = mqtt.NewClient(opts)
	return bus, nil
}

func newTLSConfig(cfg *config.Config) (*tls.Config, error) {
	errFactory := errors.New()

	tlsConfig := &tls.Config{
		InsecureSkipVerify: !cfg.VerifyTLS, //nolint:gosec // opt-in via mqtt_verify_tls
	}

	if cfg.BrokerCA != "" {
		pem, err := os.ReadFile(cfg.BrokerCA)
		if err != nil {
			return nil, errFactory.Wrap(ErrTLSConfig, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errFactory.WithData(ErrTLSConfig, cfg.BrokerCA)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.BrokerCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.BrokerCert, cfg.BrokerKey)
		if err != nil {
			return nil, errFactory.Wrap(ErrTLSConfig, err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// Connect establishes the broker session and announces bridge availability
// on the status topic.
func (b *PahoBus) Connect(ctx context.Context) error {
	errFactory := errors.New()

	if b.client.IsConnected() {
		return nil
	}

	token := b.client.Connect()
	if !waitToken(ctx, token) {
		return errFactory.New(errors.ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return errFactory.Wrap(ErrConnectFailed, err)
	}

	return b.Publish(b.statusTopic, []byte(StatusOnline), true)
}

// Publish writes one message at QoS 1 and waits for broker acknowledgement.
func (b *PahoBus) Publish(topic string, payload []byte, retain bool) error {
	errFactory := errors.New()

	if !b.client.IsConnected() {
		return errFactory.New(ErrNotConnected)
	}

	token := b.client.Publish(topic, 1, retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errFactory.WithData(ErrPublishFailed, topic)
	}
	if err := token.Error(); err != nil {
		return errFactory.Wrap(ErrPublishFailed, err)
	}
	return nil
}

func (b *PahoBus) IsConnected() bool {
	return b.client.IsConnected()
}

// Disconnect closes the session cleanly, which suppresses the offline will.
// The status topic is set to offline explicitly first so subscribers see the
// bridge go away on shutdown too.
func (b *PahoBus) Disconnect() {
	if b.client.IsConnected() {
		if err := b.Publish(b.statusTopic, []byte(StatusOffline), true); err != nil {
			logger.Warn().Err(err).Msg("Failed to publish offline status")
		}
		b.client.Disconnect(disconnectGraceM)
	}
}

// waitToken waits for a paho token while honoring ctx cancellation.
func waitToken(ctx context.Context, token mqtt.Token) bool {
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
