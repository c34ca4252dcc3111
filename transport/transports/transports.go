// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/rfbridge/transport/aws"
	_ "github.com/drblury/rfbridge/transport/channel"
	_ "github.com/drblury/rfbridge/transport/http"
	"github.com/drblury/rfbridge/transport/io"
	_ "github.com/drblury/rfbridge/transport/jetstream"
	_ "github.com/drblury/rfbridge/transport/kafka"
	"github.com/drblury/rfbridge/transport/nats"
	"github.com/drblury/rfbridge/transport/rabbitmq"
	_ "github.com/drblury/rfbridge/transport/redis"
	_ "github.com/drblury/rfbridge/transport/sqlite"
)

// These transports dial or open files lazily and are only registered when
// this package is imported.
func init() {
	io.Register()
	nats.Register()
	rabbitmq.Register()
}
