// Package transports imports every built-in broker so it registers with the
// default registry.
package transports

import (
	_ "github.com/drblury/courier/transport/aws"
	_ "github.com/drblury/courier/transport/channel"
	_ "github.com/drblury/courier/transport/http"
	_ "github.com/drblury/courier/transport/kafka"
	_ "github.com/drblury/courier/transport/nats"
	_ "github.com/drblury/courier/transport/rabbitmq"
)
