package intercom

import (
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// RelayConfig configures the NATS dApp relay.
type RelayConfig struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
}

// RelayHandler processes a dApp message arriving on a relay subject. The
// origin is the subject's last token; the returned bytes are sent as the
// reply.
type RelayHandler func(origin string, data []byte) ([]byte, error)

// Relay bridges dApp traffic between NATS subjects and the daemon. Content
// scripts publish requests on `<prefix>.request.<origin-token>` and receive
// replies on the message's reply subject.
type Relay struct {
	conn *nats.Conn
	subs []*nats.Subscription
}

// NewRelay connects to NATS with reconnect handling.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	opts := []nats.Option{
		nats.Name("walletd-dapp-relay"),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}

	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Relay{conn: conn}, nil
}

// SubscribeRequests subscribes to `<prefix>.request.*` and serves each
// message with the handler. Handler errors are relayed back as the reply
// body under an error wrapper rather than dropped.
func (r *Relay) SubscribeRequests(prefix string, handler RelayHandler) error {
	subject := prefix + ".request.*"
	sub, err := r.conn.Subscribe(subject, func(msg *nats.Msg) {
		origin := msg.Subject[len(prefix)+len(".request."):]

		reply, err := handler(origin, msg.Data)
		if err != nil {
			log.Warn().Err(err).Str("origin", origin).Msg("DApp relay request failed")
			reply = []byte(fmt.Sprintf(`{"type":"error","message":%q}`, err.Error()))
		}
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply); err != nil {
			log.Warn().Err(err).Str("origin", origin).Msg("DApp relay respond failed")
		}
	})
	if err != nil {
		return err
	}

	r.subs = append(r.subs, sub)
	log.Debug().Str("subject", subject).Msg("Subscribed to dApp relay requests")
	return nil
}

// Publish pushes a notification to a subject (session revocations, state
// changes the dApp should observe).
func (r *Relay) Publish(subject string, data []byte) error {
	return r.conn.Publish(subject, data)
}

// Close drains subscriptions and closes the connection.
func (r *Relay) Close() {
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
	if r.conn != nil {
		r.conn.Close()
	}
}
