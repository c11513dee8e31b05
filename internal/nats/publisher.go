package natsclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("nats not connected")

type Publisher struct {
	nc  *nats.Conn
	url string
	log *zap.Logger
}

func NewPublisher(url, name string, log *zap.Logger) (*Publisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}
	return &Publisher{nc: nc, url: url, log: log}, nil
}

func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.nc == nil || p.nc.IsClosed() {
		return ErrNotConnected
	}
	return p.nc.Publish(subject, payload)
}

// Subscribe delivers messages on subject to fn until ctx is done.
func (p *Publisher) Subscribe(ctx context.Context, subject string, fn func(subject string, data []byte)) error {
	if p.nc == nil || p.nc.IsClosed() {
		return ErrNotConnected
	}
	sub, err := p.nc.Subscribe(subject, func(msg *nats.Msg) {
		fn(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	<-ctx.Done()
	return sub.Unsubscribe()
}

func (p *Publisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.log.Warn("nats drain", zap.Error(err))
		}
		p.nc.Close()
	}
}
