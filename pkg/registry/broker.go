package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// BrokerProvisioner creates the scoped broker account that goes with an
// approved worker's credentials. Defined here (not imported from pkg/bus)
// so Registry only depends on what it actually needs: give a worker its own
// account and a read/write slice of the wire, not the whole management API.
type BrokerProvisioner interface {
	// Provision creates or updates a broker user with the given username
	// and plaintext password, scoped to only the worker's own command
	// queue and the shared tasks/results queues.
	Provision(ctx context.Context, username, password string) error
}

// RabbitMQProvisioner drives the RabbitMQ HTTP management API to create a
// per-worker broker user, scoped by permission regex to the queues a worker
// actually needs: its own command queue, plus read/write on the shared
// tasks and results queues. It never touches other workers' queues or the
// management/admin surface itself.
type RabbitMQProvisioner struct {
	httpClient *http.Client
	baseURL    string // e.g. http://localhost:15672
	vhost      string
	adminUser  string
	adminPass  string
}

// NewRabbitMQProvisioner creates a provisioner against the broker's
// management API. vhost is the AMQP virtual host workers connect to
// ("/" if unset).
func NewRabbitMQProvisioner(httpClient *http.Client, baseURL, vhost, adminUser, adminPass string) *RabbitMQProvisioner {
	if vhost == "" {
		vhost = "/"
	}
	return &RabbitMQProvisioner{httpClient: httpClient, baseURL: baseURL, vhost: vhost, adminUser: adminUser, adminPass: adminPass}
}

func (p *RabbitMQProvisioner) Provision(ctx context.Context, username, password string) error {
	if p.baseURL == "" {
		return fmt.Errorf("registry: no broker management endpoint configured")
	}

	userBody, err := json.Marshal(map[string]string{"password": password, "tags": ""})
	if err != nil {
		return fmt.Errorf("marshalling broker user: %w", err)
	}
	if err := p.put(ctx, fmt.Sprintf("/api/users/%s", username), userBody); err != nil {
		return fmt.Errorf("creating broker user: %w", err)
	}

	// configure: none (workers never declare topology); write: their own
	// command queue plus the shared results queue; read: the shared tasks
	// exchange's queues plus their own command queue.
	permBody, err := json.Marshal(map[string]string{
		"configure": "^$",
		"write":     fmt.Sprintf("^(worker_results|worker\\.%s)$", username),
		"read":      fmt.Sprintf("^(tasks\\..*|worker\\.%s)$", username),
	})
	if err != nil {
		return fmt.Errorf("marshalling broker permissions: %w", err)
	}
	if err := p.put(ctx, fmt.Sprintf("/api/permissions/%s/%s", urlEscapeVhost(p.vhost), username), permBody); err != nil {
		return fmt.Errorf("setting broker permissions: %w", err)
	}
	return nil
}

func (p *RabbitMQProvisioner) put(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(p.adminUser, p.adminPass)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("broker management API returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func urlEscapeVhost(vhost string) string {
	if vhost == "/" {
		return "%2F"
	}
	return vhost
}
