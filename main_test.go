package main

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/pulumi/pulumi/sdk/v3/go/common/resource"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulumi-shared-alb/internal/topology"
)

const (
	testDNS      = "agent-alb-123456.us-east-1.elb.amazonaws.com"
	testRegistry = "123456789012.dkr.ecr.us-east-1.amazonaws.com"
	testDigest   = "sha256:9b2a6f0c4d1e"
)

type mocks struct {
	mu          sync.Mutex
	zones       []string
	resources   []pulumi.MockResourceArgs
	registryIDs []string
}

func newMocks() *mocks {
	return &mocks{zones: []string{"us-east-1a", "us-east-1b", "us-east-1c"}}
}

func (m *mocks) NewResource(args pulumi.MockResourceArgs) (string, resource.PropertyMap, error) {
	m.mu.Lock()
	m.resources = append(m.resources, args)
	m.mu.Unlock()

	outputs := args.Inputs.Copy()
	if _, ok := outputs["arn"]; !ok {
		outputs["arn"] = resource.NewStringProperty("arn:aws:mock:us-east-1:123456789012:" + args.Name)
	}
	if _, ok := outputs["name"]; !ok {
		outputs["name"] = resource.NewStringProperty(args.Name)
	}
	switch args.TypeToken {
	case "aws:lb/loadBalancer:LoadBalancer":
		outputs["dnsName"] = resource.NewStringProperty(testDNS)
	case "awsx:ecr:Repository":
		outputs["url"] = resource.NewStringProperty(testRegistry + "/" + args.Name)
	case "docker:index/image:Image":
		repo, _, _ := strings.Cut(args.Inputs["imageName"].StringValue(), ":")
		outputs["repoDigest"] = resource.NewStringProperty(repo + "@" + testDigest)
	}
	return args.Name + "_id", outputs, nil
}

func (m *mocks) Call(args pulumi.MockCallArgs) (resource.PropertyMap, error) {
	switch args.Token {
	case "aws:index/getAvailabilityZones:getAvailabilityZones":
		return resource.NewPropertyMapFromMap(map[string]interface{}{
			"names": toAny(m.zones),
		}), nil
	case "aws:index/getRegion:getRegion":
		return resource.NewPropertyMapFromMap(map[string]interface{}{
			"name": "us-east-1",
		}), nil
	case "aws:iam/getPolicyDocument:getPolicyDocument":
		return resource.NewPropertyMapFromMap(map[string]interface{}{
			"json": `{"Version":"2012-10-17","Statement":[]}`,
		}), nil
	case "aws:ecr/getAuthorizationToken:getAuthorizationToken":
		m.mu.Lock()
		m.registryIDs = append(m.registryIDs, args.Args["registryId"].StringValue())
		m.mu.Unlock()
		return resource.NewPropertyMapFromMap(map[string]interface{}{
			"registryId": args.Args["registryId"].StringValue(),
			"userName":   "AWS",
			"password":   "token",
		}), nil
	case "aws:secretsmanager/getSecret:getSecret":
		name := args.Args["name"].StringValue()
		return resource.NewPropertyMapFromMap(map[string]interface{}{
			"name": name,
			"arn":  "arn:aws:secretsmanager:us-east-1:123456789012:secret:" + name + "-AbCdEf",
		}), nil
	}
	return args.Args, nil
}

// registered returns the program's resources, leaving out the stack itself.
func (m *mocks) registered() []pulumi.MockResourceArgs {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pulumi.MockResourceArgs
	for _, r := range m.resources {
		if r.TypeToken != "pulumi:pulumi:Stack" {
			out = append(out, r)
		}
	}
	return out
}

func (m *mocks) ofType(token string) []pulumi.MockResourceArgs {
	var out []pulumi.MockResourceArgs
	for _, r := range m.registered() {
		if r.TypeToken == token {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *mocks) named(name string) (pulumi.MockResourceArgs, bool) {
	for _, r := range m.registered() {
		if r.Name == name {
			return r, true
		}
	}
	return pulumi.MockResourceArgs{}, false
}

func testSpec() topology.Spec {
	return topology.Spec{
		Project: "agent",
		Network: topology.NetworkSpec{AvailabilityZones: 2, NatGateways: 1},
		Services: []topology.ServiceDescriptor{
			{
				Name:            "frontend",
				Image:           "public.ecr.aws/example/frontend:1.0.0",
				ContainerPort:   8501,
				CPU:             256,
				MemoryMB:        512,
				DesiredCount:    1,
				HealthCheckPath: "/_stcore/health",
				Route:           topology.Route{Default: true},
				Links:           map[string]string{"API_ENDPOINT": "backend"},
			},
			{
				Name:            "backend",
				Image:           "public.ecr.aws/example/backend:1.0.0",
				ContainerPort:   8000,
				CPU:             512,
				MemoryMB:        1024,
				DesiredCount:    1,
				HealthCheckPath: "/health",
				Route:           topology.Route{Priority: 1, PathPatterns: []string{"/api/*"}},
				Environment:     map[string]string{"LOG_LEVEL": "info"},
				Secrets: map[string]topology.SecretReference{
					"HF_TOKEN":       {Name: "agent-app", Key: "HF_TOKEN"},
					"OPENAI_API_KEY": {Name: "agent-app", Key: "OPENAI_API_KEY"},
				},
			},
		},
	}
}

func deploy(t *testing.T, m *mocks, spec topology.Spec, opts Options) error {
	t.Helper()
	return pulumi.RunErr(func(ctx *pulumi.Context) error {
		return run(ctx, spec, opts)
	}, pulumi.WithMocks("shared-alb", "test", m))
}

func TestRunDescribesSharedTopology(t *testing.T) {
	m := newMocks()
	require.NoError(t, deploy(t, m, testSpec(), Options{}))

	assert.Len(t, m.ofType("aws:ec2/vpc:Vpc"), 1)
	assert.Len(t, m.ofType("aws:ec2/subnet:Subnet"), 4)
	assert.Len(t, m.ofType("aws:ec2/natGateway:NatGateway"), 1)
	assert.Len(t, m.ofType("aws:lb/loadBalancer:LoadBalancer"), 1)
	assert.Len(t, m.ofType("aws:lb/listener:Listener"), 1)
	assert.Len(t, m.ofType("aws:lb/listenerRule:ListenerRule"), 1)
	assert.Len(t, m.ofType("aws:lb/targetGroup:TargetGroup"), 2)
	assert.Len(t, m.ofType("aws:ecs/cluster:Cluster"), 1)
	assert.Len(t, m.ofType("aws:ecs/service:Service"), 2)
	assert.Len(t, m.ofType("aws:cloudwatch/logGroup:LogGroup"), 2)
	assert.Empty(t, m.ofType("aws:appautoscaling/target:Target"))
	assert.Empty(t, m.ofType("command:local:Command"))

	// Physical names are left to the engine so stacks can share an account.
	cluster := m.ofType("aws:ecs/cluster:Cluster")[0]
	assert.Equal(t, "agent", cluster.Name)
	assert.NotContains(t, cluster.Inputs, resource.PropertyKey("name"))
	logGroup, ok := m.named("backend-log-group")
	require.True(t, ok)
	assert.NotContains(t, logGroup.Inputs, resource.PropertyKey("name"))
	assert.Equal(t, "/ecs/backend-", logGroup.Inputs["namePrefix"].StringValue())

	// Only the backend references secrets.
	policies := m.ofType("aws:iam/rolePolicy:RolePolicy")
	require.Len(t, policies, 1)
	assert.Equal(t, "backend-secrets-policy", policies[0].Name)
	assert.Contains(t, policies[0].Inputs["policy"].StringValue(), "secret:agent-app-AbCdEf")
}

func TestRunWiresListener(t *testing.T) {
	m := newMocks()
	require.NoError(t, deploy(t, m, testSpec(), Options{}))

	listener := m.ofType("aws:lb/listener:Listener")[0]
	assert.Equal(t, 80.0, listener.Inputs["port"].NumberValue())
	assert.Equal(t, "HTTP", listener.Inputs["protocol"].StringValue())
	action := listener.Inputs["defaultActions"].ArrayValue()[0].ObjectValue()
	assert.Equal(t, "forward", action["type"].StringValue())
	assert.True(t, strings.HasSuffix(action["targetGroupArn"].StringValue(), "frontend-tg"))

	rule := m.ofType("aws:lb/listenerRule:ListenerRule")[0]
	assert.Equal(t, "backend-rule", rule.Name)
	assert.Equal(t, 1.0, rule.Inputs["priority"].NumberValue())
	cond := rule.Inputs["conditions"].ArrayValue()[0].ObjectValue()
	values := cond["pathPattern"].ObjectValue()["values"].ArrayValue()
	require.Len(t, values, 1)
	assert.Equal(t, "/api/*", values[0].StringValue())
	ruleAction := rule.Inputs["actions"].ArrayValue()[0].ObjectValue()
	assert.True(t, strings.HasSuffix(ruleAction["targetGroupArn"].StringValue(), "backend-tg"))

	for _, tg := range m.ofType("aws:lb/targetGroup:TargetGroup") {
		assert.Equal(t, "ip", tg.Inputs["targetType"].StringValue(), tg.Name)
	}
	backendTg, ok := m.named("backend-tg")
	require.True(t, ok)
	assert.Equal(t, 8000.0, backendTg.Inputs["port"].NumberValue())
	hc := backendTg.Inputs["healthCheck"].ObjectValue()
	assert.Equal(t, "/health", hc["path"].StringValue())
	assert.Equal(t, "200", hc["matcher"].StringValue())
}

func TestRunWiresServices(t *testing.T) {
	m := newMocks()
	require.NoError(t, deploy(t, m, testSpec(), Options{}))

	frontendTd, ok := m.named("frontend-taskdef")
	require.True(t, ok)
	defs := frontendTd.Inputs["containerDefinitions"].StringValue()
	assert.Contains(t, defs, `"name":"API_ENDPOINT","value":"http://`+testDNS+`/api"`)
	assert.Equal(t, "256", frontendTd.Inputs["cpu"].StringValue())
	assert.Equal(t, "512", frontendTd.Inputs["memory"].StringValue())

	backendTd, ok := m.named("backend-taskdef")
	require.True(t, ok)
	defs = backendTd.Inputs["containerDefinitions"].StringValue()
	assert.Contains(t, defs, `"valueFrom":"arn:aws:secretsmanager:us-east-1:123456789012:secret:agent-app-AbCdEf:HF_TOKEN::"`)
	assert.Contains(t, defs, `"valueFrom":"arn:aws:secretsmanager:us-east-1:123456789012:secret:agent-app-AbCdEf:OPENAI_API_KEY::"`)
	assert.Contains(t, defs, `"name":"LOG_LEVEL","value":"info"`)
	assert.NotContains(t, defs, "API_ENDPOINT")

	for _, svc := range m.ofType("aws:ecs/service:Service") {
		netCfg := svc.Inputs["networkConfiguration"].ObjectValue()
		assert.False(t, netCfg["assignPublicIp"].BoolValue(), svc.Name)
		assert.Len(t, netCfg["subnets"].ArrayValue(), 2, svc.Name)
		lbs := svc.Inputs["loadBalancers"].ArrayValue()
		require.Len(t, lbs, 1)
		assert.Equal(t, svc.Name, lbs[0].ObjectValue()["containerName"].StringValue())
		assert.Equal(t, 1.0, svc.Inputs["desiredCount"].NumberValue())
	}

	sg, ok := m.named("backend-sg")
	require.True(t, ok)
	ingress := sg.Inputs["ingress"].ArrayValue()
	require.Len(t, ingress, 1)
	rule := ingress[0].ObjectValue()
	assert.Equal(t, 8000.0, rule["fromPort"].NumberValue())
	assert.NotContains(t, rule, resource.PropertyKey("cidrBlocks"))
}

func TestRunBuildsAndPinsImages(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"Dockerfile":  "FROM scratch",
		"app/main.go": "package main",
	})
	hash, err := hashDirectory(dir)
	require.NoError(t, err)

	spec := testSpec()
	for i := range spec.Services {
		spec.Services[i].Image = ""
		spec.Services[i].Build = &topology.BuildSpec{Context: dir}
	}
	spec.Services[1].Build.Platform = "linux/arm64"

	m := newMocks()
	require.NoError(t, deploy(t, m, spec, Options{}))

	repos := m.ofType("awsx:ecr:Repository")
	require.Len(t, repos, 2)
	assert.Equal(t, "backend-registry", repos[0].Name)
	assert.True(t, repos[0].Inputs["forceDelete"].BoolValue())
	assert.ElementsMatch(t, []string{"123456789012", "123456789012"}, m.registryIDs)

	image, ok := m.named("backend-image")
	require.True(t, ok)
	assert.Equal(t, testRegistry+"/backend-registry:"+hash[:12], image.Inputs["imageName"].StringValue())
	build := image.Inputs["build"].ObjectValue()
	assert.Equal(t, "linux/arm64", build["platform"].StringValue())
	assert.Equal(t, filepath.Join(dir, "Dockerfile"), build["dockerfile"].StringValue())

	// Task definitions pin the pushed digest, not the mutable tag.
	for _, svc := range []string{"backend", "frontend"} {
		taskdef, ok := m.named(svc + "-taskdef")
		require.True(t, ok, svc)
		containers := taskdef.Inputs["containerDefinitions"].StringValue()
		assert.Contains(t, containers, `"image":"`+testRegistry+"/"+svc+"-registry@"+testDigest+`"`)
	}
	backendTaskdef, _ := m.named("backend-taskdef")
	platform := backendTaskdef.Inputs["runtimePlatform"].ObjectValue()
	assert.Equal(t, "ARM64", platform["cpuArchitecture"].StringValue())
}

func TestRunServiceWaitsForItsRoute(t *testing.T) {
	m := newMocks()
	require.NoError(t, deploy(t, m, testSpec(), Options{}))

	dependencies := func(name string) string {
		svc, ok := m.named(name)
		require.True(t, ok, name)
		require.NotNil(t, svc.RegisterRPC)
		return strings.Join(svc.RegisterRPC.GetDependencies(), " ")
	}

	backend := dependencies("backend")
	assert.Contains(t, backend, "::backend-rule")
	assert.Contains(t, backend, "::backend-tg")
	assert.Contains(t, backend, "::alb-sg")
	assert.NotContains(t, backend, "::frontend")

	// The frontend is the default route and links to the backend.
	frontend := dependencies("frontend")
	assert.Contains(t, frontend, "::listener")
	assert.Contains(t, frontend, "::frontend-tg")
	assert.Contains(t, frontend, "::backend-rule")
	assert.Contains(t, frontend, "::alb")
}

func TestRunRejectsInvalidTopologyBeforeRegistering(t *testing.T) {
	spec := testSpec()
	spec.Services[0].Route = topology.Route{Priority: 2, PathPatterns: []string{"/*"}}

	m := newMocks()
	err := deploy(t, m, spec, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "found none")
	assert.Empty(t, m.registered())
}

func TestRunRejectsTooFewZones(t *testing.T) {
	spec := testSpec()
	spec.Network.AvailabilityZones = 4

	m := newMocks()
	err := deploy(t, m, spec, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "region offers 3 availability zones")
	assert.Empty(t, m.registered())
}

func TestRunSpreadsPrivateSubnetsOverNats(t *testing.T) {
	spec := testSpec()
	spec.Network = topology.NetworkSpec{AvailabilityZones: 3, NatGateways: 2}

	m := newMocks()
	require.NoError(t, deploy(t, m, spec, Options{}))

	assert.Len(t, m.ofType("aws:ec2/natGateway:NatGateway"), 2)
	assert.Len(t, m.ofType("aws:ec2/eip:Eip"), 2)
	assert.Len(t, m.ofType("aws:ec2/subnet:Subnet"), 6)

	routes := m.ofType("aws:ec2/route:Route")
	require.Len(t, routes, 3)
	var natRoutes, igwRoutes int
	for _, r := range routes {
		if _, ok := r.Inputs["natGatewayId"]; ok {
			natRoutes++
		}
		if _, ok := r.Inputs["gatewayId"]; ok {
			igwRoutes++
		}
	}
	assert.Equal(t, 2, natRoutes)
	assert.Equal(t, 1, igwRoutes)

	assoc, ok := m.named("private-2-rta")
	require.True(t, ok)
	assert.Equal(t, "nat-0-rt_id", assoc.Inputs["routeTableId"].StringValue())
	assoc, ok = m.named("private-1-rta")
	require.True(t, ok)
	assert.Equal(t, "nat-1-rt_id", assoc.Inputs["routeTableId"].StringValue())
	assoc, ok = m.named("public-1-rta")
	require.True(t, ok)
	assert.Equal(t, "public-rt_id", assoc.Inputs["routeTableId"].StringValue())
}

func TestRunHttpsListener(t *testing.T) {
	spec := testSpec()
	spec.LoadBalancer = topology.LoadBalancerSpec{
		PublicPort:     443,
		CertificateArn: "arn:aws:acm:us-east-1:123456789012:certificate/abc",
	}

	m := newMocks()
	require.NoError(t, deploy(t, m, spec, Options{}))

	listener := m.ofType("aws:lb/listener:Listener")[0]
	assert.Equal(t, "HTTPS", listener.Inputs["protocol"].StringValue())
	assert.Equal(t, tls13Policy, listener.Inputs["sslPolicy"].StringValue())

	td, ok := m.named("frontend-taskdef")
	require.True(t, ok)
	assert.Contains(t, td.Inputs["containerDefinitions"].StringValue(), "https://"+testDNS+"/api")

	sg, ok := m.named("alb-sg")
	require.True(t, ok)
	assert.Equal(t, 443.0, sg.Inputs["ingress"].ArrayValue()[0].ObjectValue()["fromPort"].NumberValue())
}

func TestRunScalingAndSmokeCheck(t *testing.T) {
	spec := testSpec()
	spec.Services[1].DesiredCount = 2
	spec.Services[1].Scaling = &topology.ScalingPolicy{Min: 1, Max: 4}

	m := newMocks()
	require.NoError(t, deploy(t, m, spec, Options{SmokeCheck: true}))

	targets := m.ofType("aws:appautoscaling/target:Target")
	require.Len(t, targets, 1)
	assert.Equal(t, 1.0, targets[0].Inputs["minCapacity"].NumberValue())
	assert.Equal(t, 4.0, targets[0].Inputs["maxCapacity"].NumberValue())
	assert.Equal(t, "service/agent/backend", targets[0].Inputs["resourceId"].StringValue())

	policies := m.ofType("aws:appautoscaling/policy:Policy")
	require.Len(t, policies, 1)
	cfg := policies[0].Inputs["targetTrackingScalingPolicyConfiguration"].ObjectValue()
	assert.Equal(t, 70.0, cfg["targetValue"].NumberValue())

	cmds := m.ofType("command:local:Command")
	require.Len(t, cmds, 1)
	script := cmds[0].Inputs["create"].StringValue()
	assert.Contains(t, script, `"$BASE_URL/api/"`)
	assert.Contains(t, script, `"$BASE_URL/"`)
	env := cmds[0].Inputs["environment"].ObjectValue()
	assert.Equal(t, "http://"+testDNS, env["BASE_URL"].StringValue())

	deps := strings.Join(cmds[0].RegisterRPC.GetDependencies(), " ")
	assert.Contains(t, deps, "::frontend")
	assert.Contains(t, deps, "::backend")
}

func TestRunIsIdempotent(t *testing.T) {
	first, second := newMocks(), newMocks()
	require.NoError(t, deploy(t, first, testSpec(), Options{}))
	require.NoError(t, deploy(t, second, testSpec(), Options{}))

	summary := func(m *mocks) map[string]resource.PropertyMap {
		out := map[string]resource.PropertyMap{}
		for _, r := range m.registered() {
			out[r.TypeToken+"::"+r.Name] = r.Inputs
		}
		return out
	}
	a, b := summary(first), summary(second)
	require.Equal(t, len(a), len(b))
	for key, inputs := range a {
		other, ok := b[key]
		require.True(t, ok, key)
		assert.True(t, inputs.DeepEquals(other), key)
	}
}

func toAny(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func withConfig(values map[string]string) pulumi.RunOption {
	return func(info *pulumi.RunInfo) {
		info.Config = map[string]string{}
		for k, v := range values {
			info.Config["shared-alb:"+k] = v
		}
	}
}

func TestStackOverrides(t *testing.T) {
	err := pulumi.RunErr(func(ctx *pulumi.Context) error {
		o, err := stackOverrides(config.New(ctx, ""))
		require.NoError(t, err)
		require.NotNil(t, o.AvailabilityZones)
		assert.Equal(t, 3, *o.AvailabilityZones)
		require.NotNil(t, o.CertificateArn)
		assert.Equal(t, "arn:aws:acm:us-east-1:123456789012:certificate/abc", *o.CertificateArn)
		assert.Nil(t, o.NatGateways)
		assert.Nil(t, o.PublicPort)
		assert.Nil(t, o.LogRetentionDays)
		return nil
	}, pulumi.WithMocks("shared-alb", "test", newMocks()), withConfig(map[string]string{
		"azCount":        "3",
		"certificateArn": "arn:aws:acm:us-east-1:123456789012:certificate/abc",
	}))
	require.NoError(t, err)
}

func TestStackOverridesRejectMalformedValues(t *testing.T) {
	for key, value := range map[string]string{"azCount": "two", "natCount": "1.5", "logRetentionDays": "week"} {
		t.Run(key, func(t *testing.T) {
			err := pulumi.RunErr(func(ctx *pulumi.Context) error {
				_, err := stackOverrides(config.New(ctx, ""))
				return err
			}, pulumi.WithMocks("shared-alb", "test", newMocks()), withConfig(map[string]string{key: value}))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "stack config "+key)
		})
	}
}

func TestBoolSetting(t *testing.T) {
	err := pulumi.RunErr(func(ctx *pulumi.Context) error {
		cfg := config.New(ctx, "")
		v, err := boolSetting(cfg, "smokeCheck")
		require.NoError(t, err)
		require.NotNil(t, v)
		assert.True(t, *v)

		missing, err := boolSetting(cfg, "unset")
		require.NoError(t, err)
		assert.Nil(t, missing)

		_, err = boolSetting(cfg, "broken")
		assert.Error(t, err)
		return nil
	}, pulumi.WithMocks("shared-alb", "test", newMocks()), withConfig(map[string]string{
		"smokeCheck": "true",
		"broken":     "maybe",
	}))
	require.NoError(t, err)
}
