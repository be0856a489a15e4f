package main

import (
	"fmt"
	"strconv"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/cloudwatch"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ec2"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ecs"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/iam"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"

	"pulumi-shared-alb/internal/topology"
)

type EcsServiceArgs struct {
	descriptor    topology.ServiceDescriptor
	links         []topology.Link
	linkURL       func(topology.Link, string) string
	retentionDays int
	network       *Network
	cluster       *ecs.Cluster
	loadBalancer  *LoadBalancer
	tags          pulumi.StringMap
}

type EcsService struct {
	name    string
	port    int
	sg      *ec2.SecurityGroup
	service *ecs.Service
	scaling *serviceScaling
}

func NewEcsService(ctx *pulumi.Context, args EcsServiceArgs, opts ...pulumi.ResourceOption) (*EcsService, error) {
	d := args.descriptor
	ecsService := &EcsService{
		name: d.Name,
		port: d.ContainerPort,
	}

	region, err := aws.GetRegion(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("Error looking up region: %w", err)
	}

	var image pulumi.StringInput = pulumi.String(d.Image)
	if d.Build != nil {
		build, err := NewEcrDockerBuild(ctx, d.Name, *d.Build, opts...)
		if err != nil {
			return nil, err
		}
		image = build.Ref()
	}

	logGroup, err := cloudwatch.NewLogGroup(ctx, d.Name+"-log-group", &cloudwatch.LogGroupArgs{
		NamePrefix:      pulumi.Sprintf("/ecs/%s-", d.Name),
		RetentionInDays: pulumi.IntPtr(args.retentionDays),
		Tags:            args.tags,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("Error creating log group: %w", err)
	}

	secrets := lookupSecrets(ctx, d.Secrets)
	containerDef := pulumi.JSONMarshal([]interface{}{
		map[string]interface{}{
			"name":      d.Name,
			"image":     image,
			"essential": true,
			"portMappings": []map[string]interface{}{
				{
					"containerPort": d.ContainerPort,
					"protocol":      "tcp",
				},
			},
			"environment": environment(d, args),
			"secrets":     secrets.containerSecrets(),
			"logConfiguration": map[string]interface{}{
				"logDriver": "awslogs",
				"options": map[string]interface{}{
					"awslogs-group":         logGroup.Name,
					"awslogs-region":        region.Name,
					"awslogs-stream-prefix": d.Name,
				},
			},
		},
	})

	assumeRolePolicy, err := iam.GetPolicyDocument(ctx, &iam.GetPolicyDocumentArgs{
		Statements: []iam.GetPolicyDocumentStatement{
			{
				Actions: []string{"sts:AssumeRole"},
				Principals: []iam.GetPolicyDocumentStatementPrincipal{
					{Type: "Service", Identifiers: []string{"ecs-tasks.amazonaws.com"}},
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("Error creating assume role policy: %w", err)
	}
	executionRole, err := iam.NewRole(ctx, d.Name+"-execution-role", &iam.RoleArgs{
		AssumeRolePolicy:  pulumi.String(assumeRolePolicy.Json),
		ManagedPolicyArns: pulumi.ToStringArray([]string{string(iam.ManagedPolicyAmazonECSTaskExecutionRolePolicy)}),
		Tags:              args.tags,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("Error creating execution role: %w", err)
	}
	secretsPolicy, err := secrets.grantRead(ctx, d.Name, executionRole)
	if err != nil {
		return nil, err
	}
	taskRole, err := iam.NewRole(ctx, d.Name+"-task-role", &iam.RoleArgs{
		AssumeRolePolicy: pulumi.String(assumeRolePolicy.Json),
		Tags:             args.tags,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("Error creating task role: %w", err)
	}

	taskdefOpts := opts
	if secretsPolicy != nil {
		taskdefOpts = withOptions(opts, pulumi.DependsOn([]pulumi.Resource{secretsPolicy}))
	}
	taskdef, err := ecs.NewTaskDefinition(ctx, d.Name+"-taskdef", &ecs.TaskDefinitionArgs{
		ContainerDefinitions:    containerDef,
		Family:                  pulumi.String(d.Name),
		Cpu:                     pulumi.String(strconv.Itoa(d.CPU)),
		Memory:                  pulumi.String(strconv.Itoa(d.MemoryMB)),
		ExecutionRoleArn:        executionRole.Arn,
		TaskRoleArn:             taskRole.Arn,
		RequiresCompatibilities: pulumi.ToStringArray([]string{"FARGATE"}),
		NetworkMode:             pulumi.String("awsvpc"),
		RuntimePlatform: ecs.TaskDefinitionRuntimePlatformArgs{
			CpuArchitecture:       pulumi.String(cpuArchitecture(d.Build)),
			OperatingSystemFamily: pulumi.String("LINUX"),
		},
		Tags: args.tags,
	}, taskdefOpts...)
	if err != nil {
		return nil, fmt.Errorf("Error creating taskdef: %w", err)
	}

	ecsService.sg, err = ec2.NewSecurityGroup(ctx, d.Name+"-sg", &ec2.SecurityGroupArgs{
		Description:         pulumi.Sprintf("%s tasks, reachable from the load balancer only", d.Name),
		Egress:              egressAll(),
		VpcId:               args.network.vpc.ID(),
		Ingress:             ingress(d.ContainerPort, args.loadBalancer.sg),
		RevokeRulesOnDelete: pulumi.BoolPtr(true),
		Tags:                args.tags,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("Error creating security group: %w", err)
	}

	serviceOpts := opts
	if d.Scaling != nil {
		// The scaling policy owns the task count once the service exists.
		serviceOpts = withOptions(opts, pulumi.IgnoreChanges([]string{"desiredCount"}))
	}
	ecsService.service, err = ecs.NewService(ctx, d.Name, &ecs.ServiceArgs{
		Cluster:                         args.cluster.Arn,
		DesiredCount:                    pulumi.IntPtr(d.DesiredCount),
		DeploymentMaximumPercent:        pulumi.IntPtr(200),
		DeploymentMinimumHealthyPercent: pulumi.IntPtr(100),
		DeploymentCircuitBreaker: ecs.ServiceDeploymentCircuitBreakerArgs{
			Enable:   pulumi.Bool(true),
			Rollback: pulumi.Bool(true),
		},
		HealthCheckGracePeriodSeconds: pulumi.IntPtr(60),
		LaunchType:                    pulumi.String("FARGATE"),
		WaitForSteadyState:            pulumi.BoolPtr(true),
		LoadBalancers: ecs.ServiceLoadBalancerArray{
			ecs.ServiceLoadBalancerArgs{
				ContainerName:  pulumi.String(d.Name),
				ContainerPort:  pulumi.Int(d.ContainerPort),
				TargetGroupArn: args.loadBalancer.targetGroups[d.Name].Arn,
			},
		},
		NetworkConfiguration: ecs.ServiceNetworkConfigurationArgs{
			AssignPublicIp: pulumi.BoolPtr(false),
			SecurityGroups: pulumi.StringArray{ecsService.sg.ID()},
			Subnets:        args.network.PrivateSubnetIds(),
		},
		TaskDefinition: taskdef.Arn,
		Tags:           args.tags,
	}, serviceOpts...)
	if err != nil {
		return nil, fmt.Errorf("Error creating service: %w", err)
	}

	if d.Scaling != nil {
		ecsService.scaling, err = newServiceScaling(ctx, d, args.cluster, ecsService.service)
		if err != nil {
			return nil, err
		}
	}

	return ecsService, nil
}

// environment renders plain variables and link URLs in name order. Link
// values resolve once the load balancer has a DNS name.
func environment(d topology.ServiceDescriptor, args EcsServiceArgs) []map[string]interface{} {
	values := map[string]interface{}{}
	for k, v := range d.Environment {
		values[k] = v
	}
	for _, link := range args.links {
		values[link.Env] = args.loadBalancer.DnsName().ApplyT(func(dns string) string {
			return args.linkURL(link, dns)
		}).(pulumi.StringOutput)
	}
	out := []map[string]interface{}{}
	for _, k := range sortedKeys(values) {
		out = append(out, map[string]interface{}{"name": k, "value": values[k]})
	}
	return out
}

// Resources are what the output node waits on.
func (s *EcsService) Resources() []pulumi.Resource {
	out := []pulumi.Resource{s.service}
	if s.scaling != nil {
		out = append(out, s.scaling.policy)
	}
	return out
}
