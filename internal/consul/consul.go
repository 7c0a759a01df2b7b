package consul

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"

	consulapi "github.com/hashicorp/consul/api"
)

const ServiceName = "purchases"

type Registration struct {
	ServiceID     string
	AdvertiseHost string
	HTTPAddr      string
	GRPCAddr      string
}

func NewClient(addr string) (*consulapi.Client, error) {
	config := consulapi.DefaultConfig()
	if addr != "" {
		config.Address = addr
	}
	client, err := consulapi.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("creating consul client: %w", err)
	}
	return client, nil
}

// RegisterService registers the HTTP port with a /ping check and, when GRPCAddr is set, a gRPC
// health check against the same instance.
func RegisterService(client *consulapi.Client, reg Registration) error {
	port, err := portOf(reg.HTTPAddr)
	if err != nil {
		return err
	}
	httpTarget := net.JoinHostPort(reg.AdvertiseHost, strconv.Itoa(port))

	checks := consulapi.AgentServiceChecks{
		{
			Name:                           "http ping",
			HTTP:                           "http://" + httpTarget + "/ping",
			Interval:                       "10s",
			Timeout:                        "2s",
			DeregisterCriticalServiceAfter: "1m",
		},
	}
	if reg.GRPCAddr != "" {
		grpcPort, err := portOf(reg.GRPCAddr)
		if err != nil {
			return err
		}
		checks = append(checks, &consulapi.AgentServiceCheck{
			Name:     "grpc health",
			GRPC:     net.JoinHostPort(reg.AdvertiseHost, strconv.Itoa(grpcPort)),
			Interval: "10s",
			Timeout:  "2s",
		})
	}

	service := &consulapi.AgentServiceRegistration{
		ID:      reg.ServiceID,
		Name:    ServiceName,
		Address: reg.AdvertiseHost,
		Port:    port,
		Tags:    []string{"http", "payments"},
		Checks:  checks,
	}
	if err := client.Agent().ServiceRegister(service); err != nil {
		return fmt.Errorf("registering %s with consul: %w", reg.ServiceID, err)
	}
	slog.Info("registered with consul", slog.String("service_id", reg.ServiceID), slog.String("address", httpTarget))
	return nil
}

func DeregisterService(client *consulapi.Client, serviceID string) error {
	if err := client.Agent().ServiceDeregister(serviceID); err != nil {
		return fmt.Errorf("deregistering %s: %w", serviceID, err)
	}
	return nil
}

func portOf(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return 0, fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	return port, nil
}
