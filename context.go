package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidContext is returned when a RenderContext is missing a required value.
var ErrInvalidContext = errors.New("invalid render context")

// ResourceRef identifies one discovered AWS resource.
type ResourceRef struct {
	Name string `yaml:"Name" json:"Name"`
}

// ResourceSet holds the resources of one Beanstalk environment, in discovery order.
type ResourceSet struct {
	AutoScalingGroups []ResourceRef `yaml:"AutoScalingGroups" json:"AutoScalingGroups"`
	LoadBalancers     []ResourceRef `yaml:"LoadBalancers" json:"LoadBalancers"`
}

// RenderContext is the data a metric definition template is expanded against.
// Tokens carries free-form key=value pairs for custom templates.
type RenderContext struct {
	Region          string            `yaml:"region" json:"region"`
	AccountAlias    string            `yaml:"account_alias" json:"account_alias"`
	EnvironmentName string            `yaml:"environment_name" json:"environment_name"`
	Resources       ResourceSet       `yaml:"resources" json:"resources"`
	Tokens          map[string]string `yaml:"tokens,omitempty" json:"tokens,omitempty"`
}

// Validate checks the scalar fields. Missing resource lists are treated as empty.
func (c *RenderContext) Validate() error {
	var missing []string
	if c.Region == "" {
		missing = append(missing, "region")
	}
	if c.AccountAlias == "" {
		missing = append(missing, "account_alias")
	}
	if c.EnvironmentName == "" {
		missing = append(missing, "environment_name")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidContext, strings.Join(missing, ", "))
	}
	for i, ref := range c.Resources.AutoScalingGroups {
		if ref.Name == "" {
			return fmt.Errorf("%w: AutoScalingGroups[%d] has no Name", ErrInvalidContext, i)
		}
	}
	for i, ref := range c.Resources.LoadBalancers {
		if ref.Name == "" {
			return fmt.Errorf("%w: LoadBalancers[%d] has no Name", ErrInvalidContext, i)
		}
	}
	return nil
}

// LoadRenderContext reads a YAML or JSON context document from path, or from
// stdin when path is "-".
func LoadRenderContext(path string) (*RenderContext, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read render context %s: %w", path, err)
	}

	var ctx RenderContext
	if err := yaml.Unmarshal(data, &ctx); err != nil {
		return nil, fmt.Errorf("failed to parse render context %s: %w", path, err)
	}
	return &ctx, nil
}
