package ec2

import (
	"github.com/stratus-iac/stratus/pkg/driver"
)

// RegisterAll registers every EC2 driver against the shared API client.
func RegisterAll(registry *driver.Registry, api API) error {
	if err := registry.Register(NewVPCDriver(api)); err != nil {
		return err
	}
	if err := registry.Register(NewSubnetDriver(api)); err != nil {
		return err
	}
	if err := registry.Register(NewSecurityGroupDriver(api)); err != nil {
		return err
	}
	return registry.Register(NewInstanceDriver(api))
}
