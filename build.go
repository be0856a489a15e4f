package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ecr"
	ecrx "github.com/pulumi/pulumi-awsx/sdk/v2/go/awsx/ecr"
	"github.com/pulumi/pulumi-docker/sdk/v4/go/docker"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"

	"pulumi-shared-alb/internal/topology"
)

type EcrImage struct {
	repo  *ecrx.Repository
	image *docker.Image
	tag   string
}

// NewEcrDockerBuild builds a service image from a local context and pushes
// it to its own repository. The tag is the content hash of the context,
// so an unchanged context never produces a new task definition.
func NewEcrDockerBuild(ctx *pulumi.Context, service string, build topology.BuildSpec, opts ...pulumi.ResourceOption) (*EcrImage, error) {
	hash, err := hashDirectory(build.Context)
	if err != nil {
		return nil, fmt.Errorf("Error hashing build context %s: %w", build.Context, err)
	}
	ecrImage := &EcrImage{tag: hash[:12]}

	ecrImage.repo, err = ecrx.NewRepository(ctx, service+"-registry", &ecrx.RepositoryArgs{
		ForceDelete: pulumi.BoolPtr(true),
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("Error creating repo: %w", err)
	}
	authToken := ecr.GetAuthorizationTokenOutput(ctx, ecr.GetAuthorizationTokenOutputArgs{
		RegistryId: ecrImage.repo.Url.ApplyT(registryID).(pulumi.StringOutput),
	})

	platform := build.Platform
	if platform == "" {
		platform = "linux/amd64"
	}
	ecrImage.image, err = docker.NewImage(ctx, service+"-image", &docker.ImageArgs{
		Registry: docker.RegistryArgs{
			Server:   ecrImage.repo.Url,
			Username: authToken.UserName(),
			Password: pulumi.ToSecret(authToken.ApplyT(func(authToken ecr.GetAuthorizationTokenResult) (*string, error) {
				return &authToken.Password, nil
			})).(pulumi.StringPtrOutput),
		},
		Build: docker.DockerBuildArgs{
			Platform:   pulumi.String(platform),
			Context:    pulumi.String(build.Context),
			Dockerfile: pulumi.String(filepath.Join(build.Context, build.Dockerfile)),
		},
		ImageName: ecrImage.repo.Url.ApplyT(func(url string) string {
			return fmt.Sprintf("%s:%s", url, ecrImage.tag)
		}).(pulumi.StringOutput),
	}, withOptions(opts, pulumi.Parent(ecrImage.repo))...)
	if err != nil {
		return nil, fmt.Errorf("Error creating image: %w", err)
	}

	return ecrImage, nil
}

// registryID is the account part of a repository URL such as
// 123456789012.dkr.ecr.us-east-1.amazonaws.com/backend.
func registryID(url string) string {
	host, _, _ := strings.Cut(url, "/")
	id, _, _ := strings.Cut(host, ".")
	return id
}

// Ref is the pushed image pinned by digest.
func (e *EcrImage) Ref() pulumi.StringOutput {
	return e.image.RepoDigest
}

// cpuArchitecture maps a docker build platform onto the Fargate runtime
// platform. Prebuilt images are assumed to be x86.
func cpuArchitecture(build *topology.BuildSpec) string {
	if build != nil && build.Platform == "linux/arm64" {
		return "ARM64"
	}
	return "X86_64"
}
