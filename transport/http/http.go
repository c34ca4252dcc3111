// Package http posts fired events to a webhook. One request is made per
// event, at PublisherURL/<topic>. When a server address is configured the
// transport also accepts events posted by other adaptors.
package http

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"net/url"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/rfbridge/transport"
)

const TransportName = "http"

// PublisherFactory and SubscriberFactory are replaced by tests.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register adds the http transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// MarshalFunc builds the webhook request for topic below base.
func MarshalFunc(base string) http.MarshalMessageFunc {
	return func(topic string, msg *message.Message) (*nethttp.Request, error) {
		target, err := url.JoinPath(base, topic)
		if err != nil {
			return nil, fmt.Errorf("http: target for %q: %w", topic, err)
		}
		req, err := http.DefaultMarshalMessageFunc(target, msg)
		if err != nil {
			return nil, err
		}
		if handle := msg.Metadata.Get(transport.HandleMetadata); handle != "" {
			req.Header.Set("X-Rfbridge-Handle", handle)
		}
		return req, nil
	}
}

// Build creates the webhook publisher and, when HTTPServerAddress is set,
// a subscriber serving on it.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	publisherURL := cfg.GetHTTPPublisherURL()
	if publisherURL == "" {
		return transport.Transport{}, errors.New("http: publisher URL is required")
	}

	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: MarshalFunc(publisherURL),
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("http: publisher: %w", err)
	}

	serverAddr := cfg.GetHTTPServerAddress()
	if serverAddr == "" {
		return transport.Transport{Publisher: publisher}, nil
	}

	subscriber, err := SubscriberFactory(
		serverAddr,
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("http: subscriber: %w", err)
	}

	if s, ok := subscriber.(*http.Subscriber); ok {
		go func() {
			if err := s.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				logger.Error("HTTP subscriber server stopped", err, watermill.LogFields{"addr": serverAddr})
			}
		}()
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}
