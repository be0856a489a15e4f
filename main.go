package main

import (
	"fmt"

	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi/config"

	topoconfig "pulumi-shared-alb/internal/config"
)

func main() {
	pulumi.Run(func(ctx *pulumi.Context) error {
		cfg := config.New(ctx, "")

		path := cfg.Get("topologyFile")
		if path == "" {
			path = topoconfig.DefaultFile
		}
		spec, err := topoconfig.Load(path)
		if err != nil {
			return err
		}
		overrides, err := stackOverrides(cfg)
		if err != nil {
			return err
		}
		overrides.Apply(spec)

		smokeCheck, err := boolSetting(cfg, "smokeCheck")
		if err != nil {
			return err
		}
		return run(ctx, *spec, Options{
			SmokeCheck: smokeCheck != nil && *smokeCheck,
			LogLevel:   cfg.Get("logLevel"),
		})
	})
}

// stackOverrides reads the per-stack settings that win over the topology
// file. An unset key is left alone; a malformed one fails the run.
func stackOverrides(cfg *config.Config) (topoconfig.Overrides, error) {
	var o topoconfig.Overrides
	var err error
	if o.AvailabilityZones, err = intSetting(cfg, "azCount"); err != nil {
		return o, err
	}
	if o.NatGateways, err = intSetting(cfg, "natCount"); err != nil {
		return o, err
	}
	if o.PublicPort, err = intSetting(cfg, "publicPort"); err != nil {
		return o, err
	}
	if o.LogRetentionDays, err = intSetting(cfg, "logRetentionDays"); err != nil {
		return o, err
	}
	if v := cfg.Get("certificateArn"); v != "" {
		o.CertificateArn = &v
	}
	return o, nil
}

func intSetting(cfg *config.Config, key string) (*int, error) {
	if cfg.Get(key) == "" {
		return nil, nil
	}
	v, err := cfg.TryInt(key)
	if err != nil {
		return nil, fmt.Errorf("stack config %s: %w", key, err)
	}
	return &v, nil
}

func boolSetting(cfg *config.Config, key string) (*bool, error) {
	if cfg.Get(key) == "" {
		return nil, nil
	}
	v, err := cfg.TryBool(key)
	if err != nil {
		return nil, fmt.Errorf("stack config %s: %w", key, err)
	}
	return &v, nil
}
