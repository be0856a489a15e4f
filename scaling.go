package main

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/appautoscaling"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ecs"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"

	"pulumi-shared-alb/internal/topology"
)

type serviceScaling struct {
	target *appautoscaling.Target
	policy *appautoscaling.Policy
}

// newServiceScaling keeps average CPU of a service near its target by
// moving the task count between the policy bounds.
func newServiceScaling(ctx *pulumi.Context, d topology.ServiceDescriptor, cluster *ecs.Cluster, service *ecs.Service) (*serviceScaling, error) {
	s := &serviceScaling{}
	var err error
	s.target, err = appautoscaling.NewTarget(ctx, d.Name+"-scaling-target", &appautoscaling.TargetArgs{
		MinCapacity:       pulumi.Int(d.Scaling.Min),
		MaxCapacity:       pulumi.Int(d.Scaling.Max),
		ResourceId:        pulumi.Sprintf("service/%s/%s", cluster.Name, service.Name),
		ScalableDimension: pulumi.String("ecs:service:DesiredCount"),
		ServiceNamespace:  pulumi.String("ecs"),
	}, pulumi.Parent(service))
	if err != nil {
		return nil, fmt.Errorf("Error creating scaling target: %w", err)
	}

	s.policy, err = appautoscaling.NewPolicy(ctx, d.Name+"-cpu-scaling", &appautoscaling.PolicyArgs{
		PolicyType:        pulumi.String("TargetTrackingScaling"),
		ResourceId:        s.target.ResourceId,
		ScalableDimension: s.target.ScalableDimension,
		ServiceNamespace:  s.target.ServiceNamespace,
		TargetTrackingScalingPolicyConfiguration: &appautoscaling.PolicyTargetTrackingScalingPolicyConfigurationArgs{
			TargetValue: pulumi.Float64(d.Scaling.CPUTargetPercent),
			PredefinedMetricSpecification: &appautoscaling.PolicyTargetTrackingScalingPolicyConfigurationPredefinedMetricSpecificationArgs{
				PredefinedMetricType: pulumi.String("ECSServiceAverageCPUUtilization"),
			},
			ScaleInCooldown:  pulumi.Int(60),
			ScaleOutCooldown: pulumi.Int(60),
		},
	}, pulumi.Parent(s.target))
	if err != nil {
		return nil, fmt.Errorf("Error creating scaling policy: %w", err)
	}
	return s, nil
}
