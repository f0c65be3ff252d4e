package nats

import (
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// StartEmbeddedServer runs an in-process JetStream server for development
// and tests. The returned shutdown function blocks until the server exits.
func StartEmbeddedServer(storeDir string) (url string, shutdown func(), err error) {
	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1, // random free port
		JetStream: true,
		StoreDir:  storeDir,
		NoLog:     true,
		NoSigs:    true,
	}

	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
	}

	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		return "", nil, fmt.Errorf("embedded NATS server did not become ready")
	}

	return srv.ClientURL(), func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	}, nil
}
