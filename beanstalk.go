package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/Clever/kayvee-go/v7/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/elasticbeanstalk"
	"github.com/aws/aws-sdk-go-v2/service/iam"
)

// ErrNoAccountAlias is returned when no alias was given and the account has none.
var ErrNoAccountAlias = errors.New("account has no alias")

// BeanstalkAPI is the subset of the Elastic Beanstalk client used for discovery.
type BeanstalkAPI interface {
	DescribeEnvironmentResources(ctx context.Context, params *elasticbeanstalk.DescribeEnvironmentResourcesInput, optFns ...func(*elasticbeanstalk.Options)) (*elasticbeanstalk.DescribeEnvironmentResourcesOutput, error)
}

// IAMAPI looks up the account alias.
type IAMAPI interface {
	ListAccountAliases(ctx context.Context, params *iam.ListAccountAliasesInput, optFns ...func(*iam.Options)) (*iam.ListAccountAliasesOutput, error)
}

// Discoverer builds a RenderContext from a live Beanstalk environment.
type Discoverer struct {
	eb  BeanstalkAPI
	iam IAMAPI
}

func NewDiscoverer(eb BeanstalkAPI, iamAPI IAMAPI) *Discoverer {
	return &Discoverer{eb: eb, iam: iamAPI}
}

// Discover lists the environment's auto scaling groups and load balancers.
// When alias is empty the account's first IAM alias is used.
func (d *Discoverer) Discover(ctx context.Context, region, envName, alias string) (*RenderContext, error) {
	if envName == "" {
		return nil, fmt.Errorf("%w: missing environment_name", ErrInvalidContext)
	}

	out, err := d.eb.DescribeEnvironmentResources(ctx, &elasticbeanstalk.DescribeEnvironmentResourcesInput{
		EnvironmentName: aws.String(envName),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe resources of %s: %w", envName, err)
	}

	if alias == "" {
		alias, err = d.accountAlias(ctx)
		if err != nil {
			return nil, err
		}
	}

	rc := &RenderContext{
		Region:          region,
		AccountAlias:    alias,
		EnvironmentName: envName,
	}
	if res := out.EnvironmentResources; res != nil {
		for _, asg := range res.AutoScalingGroups {
			rc.Resources.AutoScalingGroups = append(rc.Resources.AutoScalingGroups, ResourceRef{Name: aws.ToString(asg.Name)})
		}
		for _, lb := range res.LoadBalancers {
			rc.Resources.LoadBalancers = append(rc.Resources.LoadBalancers, ResourceRef{Name: aws.ToString(lb.Name)})
		}
	}

	lg.InfoD("discovered-environment", logger.M{
		"environment-name":    envName,
		"region":              region,
		"auto-scaling-groups": len(rc.Resources.AutoScalingGroups),
		"load-balancers":      len(rc.Resources.LoadBalancers),
	})
	return rc, nil
}

func (d *Discoverer) accountAlias(ctx context.Context) (string, error) {
	out, err := d.iam.ListAccountAliases(ctx, &iam.ListAccountAliasesInput{})
	if err != nil {
		return "", fmt.Errorf("failed to list account aliases: %w", err)
	}
	if len(out.AccountAliases) == 0 {
		return "", ErrNoAccountAlias
	}
	return out.AccountAliases[0], nil
}
