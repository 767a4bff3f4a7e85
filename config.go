package virtblk

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/pkg/errors"
)

type DeviceConfig struct {
	Path        string `hcl:"path"`
	ReadOnly    bool   `hcl:"read_only,optional"`
	Flush       bool   `hcl:"flush,optional"`
	Discard     bool   `hcl:"discard,optional"`
	WriteZeroes bool   `hcl:"write_zeroes,optional"`
}

type NBDConfig struct {
	Addr           string `hcl:"addr,optional"`
	Export         string `hcl:"export,optional"`
	MaxRequestSize int    `hcl:"max_request_size,optional"`
}

type Config struct {
	Device      DeviceConfig `hcl:"device,block"`
	NBD         *NBDConfig   `hcl:"nbd,block"`
	MetricsAddr string       `hcl:"metrics_addr,optional"`
}

func LoadConfig(path string) (*Config, error) {
	var (
		ctx hcl.EvalContext
		cfg Config
	)

	err := hclsimple.DecodeFile(path, &ctx, &cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Device.Path == "" {
		return nil, errors.Errorf("%s: device path must not be empty", path)
	}

	if cfg.NBD == nil {
		cfg.NBD = &NBDConfig{}
	}

	if cfg.NBD.Addr == "" {
		cfg.NBD.Addr = ":8989"
	}

	if cfg.NBD.Export == "" {
		cfg.NBD.Export = "virtblk"
	}

	return &cfg, nil
}

// Features returns the feature bitmask the device offers.
func (c *DeviceConfig) Features() uint64 {
	var bits []uint

	if c.ReadOnly {
		bits = append(bits, VIRTIO_BLK_F_RO)
	}

	if c.Flush {
		bits = append(bits, VIRTIO_BLK_F_FLUSH)
	}

	if c.Discard {
		bits = append(bits, VIRTIO_BLK_F_DISCARD)
	}

	if c.WriteZeroes {
		bits = append(bits, VIRTIO_BLK_F_WRITE_ZEROES)
	}

	return FeatureMask(bits...)
}
