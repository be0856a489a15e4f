package topology

// sampleSpec is the frontend/backend layout the stack ships with.
func sampleSpec() Spec {
	return Spec{
		Project: "agent",
		Network: NetworkSpec{AvailabilityZones: 2, NatGateways: 1},
		Services: []ServiceDescriptor{
			{
				Name:            "frontend",
				Image:           "public.ecr.aws/example/frontend:1.0.0",
				ContainerPort:   8501,
				CPU:             256,
				MemoryMB:        512,
				DesiredCount:    1,
				HealthCheckPath: "/_stcore/health",
				Route:           Route{Default: true},
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
				Route:           Route{Priority: 1, PathPatterns: []string{"/api/*"}},
				Secrets: map[string]SecretReference{
					"HF_TOKEN":       {Name: "agent-app", Key: "HF_TOKEN"},
					"OPENAI_API_KEY": {Name: "agent-app", Key: "OPENAI_API_KEY"},
				},
			},
		},
	}
}
