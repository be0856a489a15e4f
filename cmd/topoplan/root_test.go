package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const topologyYAML = `project: agent
network:
  azCount: 2
  natCount: 1
services:
  - name: frontend
    image: public.ecr.aws/example/frontend:1.0.0
    port: 8501
    cpu: 256
    memory: 512
    desiredCount: 1
    healthCheckPath: /_stcore/health
    route:
      default: true
    links:
      API_ENDPOINT: backend
  - name: backend
    image: public.ecr.aws/example/backend:1.0.0
    port: 8000
    cpu: 512
    memory: 1024
    desiredCount: 1
    healthCheckPath: /health
    route:
      priority: 1
      paths: ["/api/*"]
`

func writeTopology(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestValidateCommand(t *testing.T) {
	path := writeTopology(t, topologyYAML)
	out, _, err := execute(t, "validate", "-f", path, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "topology agent is valid: 2 services, 1 path rules, 2 zones, 1 nat gateways")
}

func TestValidateCommandReportsEveryProblem(t *testing.T) {
	broken := bytes.Replace([]byte(topologyYAML), []byte("port: 8000"), []byte("port: 0"), 1)
	broken = bytes.Replace(broken, []byte("natCount: 1"), []byte("natCount: 3"), 1)
	path := writeTopology(t, string(broken))

	_, errOut, err := execute(t, "validate", "-f", path, "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 configuration problems")
	assert.Contains(t, errOut, "container port 0 out of range")
	assert.Contains(t, errOut, "nat gateway count 3")
}

func TestRouteCommand(t *testing.T) {
	path := writeTopology(t, topologyYAML)
	out, _, err := execute(t, "route", "-f", path, "--log-level", "error", "/api/health", "/", "/apis")
	require.NoError(t, err)
	assert.Contains(t, out, "/api/health -> backend (priority 1)\n")
	assert.Contains(t, out, "/ -> frontend (default)\n")
	assert.Contains(t, out, "/apis -> frontend (default)\n")
}

func TestPlanCommand(t *testing.T) {
	path := writeTopology(t, topologyYAML)
	out, _, err := execute(t, "plan", "-f", path, "--log-level", "error")
	require.NoError(t, err)

	var view planView
	require.NoError(t, yaml.Unmarshal([]byte(out), &view))
	assert.Equal(t, "agent", view.Project)
	assert.Equal(t, "http://<dns>", view.LoadBalancer)
	assert.Equal(t, []string{
		"public-0 10.0.0.0/20 via igw",
		"public-1 10.0.16.0/20 via igw",
	}, view.Network.PublicSubnets)
	assert.Equal(t, []string{
		"private-0 10.0.128.0/20 via nat-0",
		"private-1 10.0.144.0/20 via nat-0",
	}, view.Network.PrivateSubnets)

	require.Len(t, view.Rules, 2)
	assert.Equal(t, ruleView{Priority: "1", Paths: []string{"/api/*"}, Service: "backend", TargetGroup: "backend-tg", Port: 8000}, view.Rules[0])
	assert.Equal(t, "default", view.Rules[1].Priority)

	require.NotEmpty(t, view.ApplyOrder)
	assert.Equal(t, "network", view.ApplyOrder[0])
	assert.Equal(t, "output/loadBalancerDns", view.TeardownOrder[0])
	assert.Len(t, view.Graph, len(view.ApplyOrder))
}

func TestDriftCommandRequiresDNS(t *testing.T) {
	path := writeTopology(t, topologyYAML)
	_, _, err := execute(t, "drift", "-f", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"dns" not set`)
}
