package transport

import (
	"context"
	"crypto/tls"
	"sync"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrEventloopCrashed is the Cause wrapped by a ClientDeadError raised once
// the underlying producer's eventloop has fully drained and exited.
var ErrEventloopCrashed = errors.New("transport: eventloop crashed")

// Config parametrizes a sarama-backed Client. It's deliberately thin: the
// credentials are an opaque bag that this package never interprets beyond
// handing to the underlying client constructor.
type Config struct {
	Brokers  []string
	ClientID string
	TLS      *tls.Config
}

// Client is a transport.Client backed by github.com/IBM/sarama's
// AsyncProducer, driven through its Input()/Errors()/Successes() channels.
// Kafka's broker-acknowledged durability is an opaque, at-least-once,
// QoS-capable transport from the Serializer's point of view.
type Client struct {
	producer  sarama.AsyncProducer
	brokers   []string
	saramaCfg *sarama.Config

	deadCh   chan struct{}
	deadOnce sync.Once
	drainWg  sync.WaitGroup
}

// New dials brokers and returns a ready Client. QoS≥1 is expressed as
// RequiredAcks = WaitForLocal: the partition leader must persist the
// message before the producer reports success.
func New(cfg Config) (*Client, error) {
	scfg := sarama.NewConfig()
	scfg.ClientID = cfg.ClientID
	scfg.Producer.RequiredAcks = sarama.WaitForLocal
	scfg.Producer.Return.Successes = true
	scfg.Producer.Return.Errors = true
	if cfg.TLS != nil {
		scfg.Net.TLS.Enable = true
		scfg.Net.TLS.Config = cfg.TLS
	}

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, scfg)
	if err != nil {
		return nil, errors.Wrap(err, "transport: dial brokers")
	}

	c := &Client{producer: producer, brokers: cfg.Brokers, saramaCfg: scfg, deadCh: make(chan struct{})}
	c.drainWg.Add(1)
	go c.drain()
	return c, nil
}

// drain consumes the producer's Successes and Errors channels until both
// close, which sarama guarantees happens only once the producer's internal
// goroutines have fully exited -- our signal that the eventloop is dead.
func (c *Client) drain() {
	defer c.drainWg.Done()
	defer c.deadOnce.Do(func() { close(c.deadCh) })

	successes := c.producer.Successes()
	errs := c.producer.Errors()
	for successes != nil || errs != nil {
		select {
		case _, ok := <-successes:
			if !ok {
				successes = nil
			}
		case perr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.WithError(perr.Err).WithField("topic", perr.Msg.Topic).
				Warn("transport: publish error, relying on broker-side retry")
		}
	}
}

// Publish implements Client.
func (c *Client) Publish(topic string, payload []byte) error {
	msg := &sarama.ProducerMessage{Topic: topic, Value: sarama.ByteEncoder(payload)}
	select {
	case c.producer.Input() <- msg:
		return nil
	case <-c.deadCh:
		return &ClientDeadError{Topic: topic, Payload: payload, Cause: ErrEventloopCrashed}
	}
}

// TryPublish implements Client.
func (c *Client) TryPublish(topic string, payload []byte) error {
	msg := &sarama.ProducerMessage{Topic: topic, Value: sarama.ByteEncoder(payload)}
	select {
	case c.producer.Input() <- msg:
		return nil
	case <-c.deadCh:
		return &ClientDeadError{Topic: topic, Payload: payload, Cause: ErrEventloopCrashed}
	default:
		return &QueueFullError{Topic: topic, Payload: payload}
	}
}

// Close triggers a drain of any in-flight publishes and waits for the
// background collector goroutine to observe the producer's shutdown.
func (c *Client) Close() error {
	c.producer.AsyncClose()
	c.drainWg.Wait()
	return nil
}

// Subscribe consumes topic from each of its partitions' newest offset
// forward, used for the low-volume, cloud-to-device Action stream (as
// opposed to Publish/TryPublish's telemetry path). It opens its own
// sarama.Consumer rather than reusing the producer's connection, since the
// two have unrelated lifecycles.
func (c *Client) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	consumer, err := sarama.NewConsumer(c.brokers, c.saramaCfg)
	if err != nil {
		return nil, errors.Wrap(err, "transport: open consumer")
	}
	partitions, err := consumer.Partitions(topic)
	if err != nil {
		_ = consumer.Close()
		return nil, errors.Wrap(err, "transport: list partitions")
	}

	out := make(chan []byte)
	var wg sync.WaitGroup
	for _, p := range partitions {
		pc, err := consumer.ConsumePartition(topic, p, sarama.OffsetNewest)
		if err != nil {
			_ = consumer.Close()
			return nil, errors.Wrapf(err, "transport: consume partition %d", p)
		}
		wg.Add(1)
		go func(pc sarama.PartitionConsumer) {
			defer wg.Done()
			defer pc.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-pc.Messages():
					if !ok {
						return
					}
					select {
					case out <- msg.Value:
					case <-ctx.Done():
						return
					}
				case perr, ok := <-pc.Errors():
					if !ok {
						continue
					}
					log.WithError(perr).WithField("topic", topic).Warn("transport: subscribe error")
				}
			}
		}(pc)
	}

	go func() {
		wg.Wait()
		_ = consumer.Close()
		close(out)
	}()
	return out, nil
}
