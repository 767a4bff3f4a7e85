package virtblk

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	r := require.New(t)

	e, err := NewExecutor(testLogger(), NewMemBackend(0x1000), FeatureMask(VIRTIO_BLK_F_FLUSH))
	r.NoError(err)

	mem := testMemory(t)

	flushes := testutil.ToFloat64(requestsTotal.WithLabelValues("flush"))
	unsupp := testutil.ToFloat64(requestErrors.WithLabelValues("unsupported", "unsupported"))
	read := testutil.ToFloat64(bytesRead)

	_, err = e.Execute(mem, NewRequest(RequestFlush, nil, 0))
	r.NoError(err)

	_, err = e.Execute(mem, NewRequest(RequestTypeFromCode(99), nil, 0))
	r.Error(err)

	_, err = e.Execute(mem, NewRequest(RequestIn, []DataRegion{{Addr: 0, Len: 0x400}}, 0))
	r.NoError(err)

	r.Equal(flushes+1, testutil.ToFloat64(requestsTotal.WithLabelValues("flush")))
	r.Equal(unsupp+1, testutil.ToFloat64(requestErrors.WithLabelValues("unsupported", "unsupported")))
	r.Equal(read+0x400, testutil.ToFloat64(bytesRead))
}
