package models

import (
	"fmt"
	"net/netip"
	"strings"
)

// Validate checks the fields required to create a machine.
func (in MachineInput) Validate() error {
	var missing []string
	if strings.TrimSpace(in.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(in.IPAddress) == "" {
		missing = append(missing, "ipAddress")
	}
	if strings.TrimSpace(in.InstanceType) == "" {
		missing = append(missing, "instanceType")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required", ErrValidation, strings.Join(missing, ", "))
	}
	if err := validateIP(in.IPAddress); err != nil {
		return err
	}
	return ValidateTags(in.Tags.Slice()...)
}

// Validate checks the fields a patch sets.
func (p MachinePatch) Validate() error {
	if p.IPAddress != nil && *p.IPAddress != "" {
		return validateIP(*p.IPAddress)
	}
	return nil
}

// ValidateTags rejects blank tags.
func ValidateTags(tags ...string) error {
	for _, t := range tags {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("%w: tags must be non-empty", ErrValidation)
		}
	}
	return nil
}

func validateIP(v string) error {
	if _, err := netip.ParseAddr(v); err != nil {
		return fmt.Errorf("%w: ipAddress %q is not an IP address", ErrValidation, v)
	}
	return nil
}
