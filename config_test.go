package virtblk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "virtblk.hcl")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	return path
}

func TestConfig(t *testing.T) {
	t.Run("loads a full configuration", func(t *testing.T) {
		r := require.New(t)

		path := writeConfig(t, `
device {
  path         = "disk.img"
  read_only    = false
  flush        = true
  discard      = true
  write_zeroes = true
}

nbd {
  addr             = "127.0.0.1:10809"
  export           = "vda"
  max_request_size = 1048576
}

metrics_addr = ":2121"
`)

		cfg, err := LoadConfig(path)
		r.NoError(err)

		r.Equal("disk.img", cfg.Device.Path)
		r.Equal("127.0.0.1:10809", cfg.NBD.Addr)
		r.Equal("vda", cfg.NBD.Export)
		r.Equal(1048576, cfg.NBD.MaxRequestSize)
		r.Equal(":2121", cfg.MetricsAddr)

		r.Equal(FeatureMask(VIRTIO_BLK_F_FLUSH, VIRTIO_BLK_F_DISCARD, VIRTIO_BLK_F_WRITE_ZEROES), cfg.Device.Features())
	})

	t.Run("fills in nbd defaults", func(t *testing.T) {
		r := require.New(t)

		path := writeConfig(t, `
device {
  path      = "/dev/vdb"
  read_only = true
}
`)

		cfg, err := LoadConfig(path)
		r.NoError(err)

		r.Equal(":8989", cfg.NBD.Addr)
		r.Equal("virtblk", cfg.NBD.Export)
		r.Equal("", cfg.MetricsAddr)
		r.Equal(FeatureMask(VIRTIO_BLK_F_RO), cfg.Device.Features())
	})

	t.Run("requires a device path", func(t *testing.T) {
		r := require.New(t)

		_, err := LoadConfig(writeConfig(t, `
device {
  path = ""
}
`))
		r.Error(err)

		_, err = LoadConfig(writeConfig(t, `metrics_addr = ":1"`))
		r.Error(err)
	})
}
