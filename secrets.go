package main

import (
	"fmt"
	"sort"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/iam"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/secretsmanager"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"

	"pulumi-shared-alb/internal/topology"
)

// secretRefs resolves the Secrets Manager ARNs behind a service's secret
// references. Only ARNs are looked up; values never enter the program.
type secretRefs struct {
	refs map[string]topology.SecretReference
	arns map[string]pulumi.StringOutput
}

func lookupSecrets(ctx *pulumi.Context, refs map[string]topology.SecretReference) *secretRefs {
	s := &secretRefs{refs: refs, arns: map[string]pulumi.StringOutput{}}
	for _, ref := range refs {
		if _, ok := s.arns[ref.Name]; ok {
			continue
		}
		secret := secretsmanager.LookupSecretOutput(ctx, secretsmanager.LookupSecretOutputArgs{
			Name: pulumi.String(ref.Name),
		})
		s.arns[ref.Name] = secret.Arn()
	}
	return s
}

// containerSecrets renders the container definition "secrets" block.
func (s *secretRefs) containerSecrets() []map[string]interface{} {
	out := []map[string]interface{}{}
	for _, env := range sortedKeys(s.refs) {
		ref := s.refs[env]
		out = append(out, map[string]interface{}{
			"name": env,
			"valueFrom": s.arns[ref.Name].ApplyT(func(arn string) string {
				return ref.ValueFrom(arn)
			}).(pulumi.StringOutput),
		})
	}
	return out
}

// grantRead lets the execution role fetch exactly the referenced secrets.
func (s *secretRefs) grantRead(ctx *pulumi.Context, name string, role *iam.Role) (*iam.RolePolicy, error) {
	if len(s.arns) == 0 {
		return nil, nil
	}
	resources := []interface{}{}
	for _, n := range sortedKeys(s.arns) {
		resources = append(resources, s.arns[n])
	}
	policy := pulumi.JSONMarshal(map[string]interface{}{
		"Version": "2012-10-17",
		"Statement": []map[string]interface{}{
			{
				"Effect":   "Allow",
				"Action":   []string{"secretsmanager:GetSecretValue"},
				"Resource": resources,
			},
		},
	})
	rp, err := iam.NewRolePolicy(ctx, name+"-secrets-policy", &iam.RolePolicyArgs{
		Role:   role.Name,
		Policy: policy,
	}, pulumi.Parent(role))
	if err != nil {
		return nil, fmt.Errorf("Error creating secrets policy: %w", err)
	}
	return rp, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
