package cli

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/hashicorp/go-hclog"
	"github.com/lab47/cleo"
	"github.com/lab47/virtblk"
	"github.com/lab47/virtblk/pkg/nbd"
	"github.com/lima-vm/go-qcow2reader"
	"github.com/mitchellh/cli"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"
)

type CLI struct {
	log hclog.Logger

	lc *cli.CLI
}

type Global struct {
	Config string `short:"c" long:"config" description:"device configuration" required:"true"`
	Debug  bool   `short:"D" long:"debug" description:"enable debug mode"`
}

func NewCLI(log hclog.Logger, args []string) (*CLI, error) {
	c := &CLI{
		log: log,
		lc:  cli.NewCLI("virtblk", "alpha"),
	}

	c.lc.Args = args

	err := c.setupCommands()
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (c *CLI) Run() (int, error) {
	return c.lc.Run()
}

func (c *CLI) setupCommands() error {
	c.lc.Commands = map[string]cli.CommandFactory{
		"nbd": func() (cli.Command, error) {
			return cleo.Infer("nbd", "serve the device over nbd", c.nbdServe), nil
		},
		"info": func() (cli.Command, error) {
			return cleo.Infer("info", "show the device and the features it offers", c.info), nil
		},
		"create": func() (cli.Command, error) {
			return cleo.Infer("create", "create an empty backing image", c.create), nil
		},
		"import": func() (cli.Command, error) {
			return cleo.Infer("import", "copy an image into the device", c.importImage), nil
		},
		"sha256": func() (cli.Command, error) {
			return cleo.Infer("sha256", "hash the contents of the device", c.sha256), nil
		},
	}

	return nil
}

type device struct {
	cfg     *virtblk.Config
	backend *virtblk.FileBackend
	exec    *virtblk.Executor
	dev     *virtblk.Device
}

func (d *device) Close() error {
	d.dev.Close()
	return d.backend.Close()
}

// openDevice loads the configuration at path and builds a Device over the
// configured backing file. readOnly forces the read-only feature on.
func (c *CLI) openDevice(g Global, readOnly bool) (*device, error) {
	if g.Debug {
		c.log.SetLevel(hclog.Trace)
	}

	cfg, err := virtblk.LoadConfig(g.Config)
	if err != nil {
		return nil, errors.Wrapf(err, "loading configuration")
	}

	if !filepath.IsAbs(cfg.Device.Path) {
		cfg.Device.Path = filepath.Join(filepath.Dir(g.Config), cfg.Device.Path)
	}

	if readOnly {
		cfg.Device.ReadOnly = true
	}

	fb, err := virtblk.OpenFileBackend(cfg.Device.Path, cfg.Device.ReadOnly)
	if err != nil {
		return nil, err
	}

	exec, err := virtblk.NewExecutor(c.log, fb, cfg.Device.Features())
	if err != nil {
		fb.Close()
		return nil, err
	}

	var opts []virtblk.Option
	if cfg.NBD.MaxRequestSize > 0 {
		opts = append(opts, virtblk.WithMaxRequestSize(cfg.NBD.MaxRequestSize))
	}

	dev, err := virtblk.NewDevice(c.log, exec, opts...)
	if err != nil {
		fb.Close()
		return nil, err
	}

	return &device{cfg: cfg, backend: fb, exec: exec, dev: dev}, nil
}

const (
	kilo = 1000
	mega = kilo * 1000
	giga = mega * 1000
	tera = giga * 1000
	peta = tera * 1000
)

var sizeSuffix = map[string]int64{
	"k": kilo,
	"K": kilo,
	"m": mega,
	"M": mega,
	"g": giga,
	"G": giga,
	"t": tera,
	"T": tera,
	"p": peta,
	"P": peta,
}

func parseSize(s string) (int64, error) {
	for suf, factor := range sizeSuffix {
		if strings.HasSuffix(s, suf) {
			base, err := strconv.ParseInt(s[:len(s)-len(suf)], 10, 64)
			if err != nil {
				return 0, errors.Wrapf(err, "parsing size")
			}

			return base * factor, nil
		}
	}

	sz, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing size")
	}

	return sz, nil
}

func niceSize(sz int64) string {
	cases := []struct {
		f float64
		s string
	}{
		{peta, "PB"},
		{tera, "TB"},
		{giga, "GB"},
		{mega, "MB"},
		{kilo, "KB"},
	}

	x := float64(sz)

	for _, c := range cases {
		sub := x / c.f
		if sub >= 1.0 {
			return fmt.Sprintf("%.3f%s", sub, c.s)
		}
	}

	return fmt.Sprintf("%db", sz)
}

func (c *CLI) nbdServe(ctx context.Context, opts struct {
	Global
}) error {
	d, err := c.openDevice(opts.Global, false)
	if err != nil {
		return err
	}

	defer d.Close()

	log := c.log
	cfg := d.cfg

	stop := flushOnSignal(log, unix.SIGHUP, func() error { return flush(d) })
	defer stop()

	l, err := net.Listen("tcp", cfg.NBD.Addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", cfg.NBD.Addr)
	}

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		l.Close()
	}()

	exports := []*nbd.Export{
		{
			Name:        cfg.NBD.Export,
			Description: cfg.Device.Path,
			Backend:     virtblk.NBDWrapper(log, d.dev),
		},
	}

	exec := d.exec

	nbdOpts := &nbd.Options{
		ReadOnly:           exec.HasFeature(virtblk.VIRTIO_BLK_F_RO),
		Flush:              exec.HasFeature(virtblk.VIRTIO_BLK_F_FLUSH),
		Trim:               exec.HasFeature(virtblk.VIRTIO_BLK_F_DISCARD),
		WriteZeroes:        exec.HasFeature(virtblk.VIRTIO_BLK_F_WRITE_ZEROES),
		MinimumBlockSize:   virtblk.SectorSize,
		PreferredBlockSize: 4096,
		MaximumBlockSize:   uint32(d.dev.MaxRequestSize()),
		MaximumRequestSize: d.dev.MaxRequestSize(),
	}

	if cfg.MetricsAddr != "" {
		ml, err := serveMetrics(log, cfg.MetricsAddr)
		if err != nil {
			return err
		}

		defer ml.Close()
	}

	log.Info("listening for connections", "addr", cfg.NBD.Addr, "export", cfg.NBD.Export)

	for {
		c, err := l.Accept()
		if err != nil {
			break
		}

		log.Info("connection to nbd server", "remote", c.RemoteAddr().String())

		err = nbd.Handle(log, c, exports, nbdOpts)
		if err != nil {
			log.Error("error handling nbd client", "error", err)
		}

		c.Close()
	}

	return flush(d)
}

// flushOnSignal calls fn each time sig arrives. The returned func stops
// delivery and waits for the handler goroutine to exit.
func flushOnSignal(log hclog.Logger, sig os.Signal, fn func() error) func() {
	ch := make(chan os.Signal, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)

		for range ch {
			log.Info("flushing device by signal request", "signal", sig)
			if err := fn(); err != nil {
				log.Error("error flushing device", "error", err)
			}
		}
	}()

	signal.Notify(ch, sig)

	return func() {
		signal.Stop(ch)
		close(ch)
		<-done
	}
}

// serveMetrics exposes the prometheus registry, plus the pprof handlers
// registered by net/http/pprof, on addr. Listen errors are returned; serve
// errors after that are logged.
func serveMetrics(log hclog.Logger, addr string) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listening for metrics on %s", addr)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/debug/pprof/", http.DefaultServeMux)

	go func() {
		err := http.Serve(l, mux)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			log.Error("error serving metrics", "error", err, "addr", addr)
		}
	}()

	return l, nil
}

// flush syncs the device when it is writable and offers flush.
func flush(d *device) error {
	if d.exec.HasFeature(virtblk.VIRTIO_BLK_F_RO) || !d.exec.HasFeature(virtblk.VIRTIO_BLK_F_FLUSH) {
		return nil
	}

	return d.dev.Sync()
}

var featureNames = []struct {
	bit  uint
	name string
}{
	{virtblk.VIRTIO_BLK_F_RO, "read-only"},
	{virtblk.VIRTIO_BLK_F_FLUSH, "flush"},
	{virtblk.VIRTIO_BLK_F_DISCARD, "discard"},
	{virtblk.VIRTIO_BLK_F_WRITE_ZEROES, "write-zeroes"},
}

func (c *CLI) info(ctx context.Context, opts struct {
	Global
}) error {
	d, err := c.openDevice(opts.Global, true)
	if err != nil {
		return err
	}

	defer d.Close()

	// The read-only bit was forced on to open the file safely, report what
	// the configuration asks for.
	features := d.cfg.Device.Features()

	label := color.New(color.Bold)
	on := color.New(color.FgHiGreen)
	off := color.New(color.Faint)

	fmt.Printf("%s %s\n", label.Sprint("path:"), d.cfg.Device.Path)
	fmt.Printf("%s %s (%d sectors)\n", label.Sprint("size:"), niceSize(d.dev.Size()), d.exec.NumSectors())
	fmt.Printf("%s\n", label.Sprint("features:"))

	for _, f := range featureNames {
		if features&(1<<f.bit) != 0 {
			fmt.Printf("  %s\n", on.Sprint(f.name))
		} else {
			fmt.Printf("  %s\n", off.Sprint(f.name))
		}
	}

	fmt.Printf("%s %s export %q\n", label.Sprint("nbd:"), d.cfg.NBD.Addr, d.cfg.NBD.Export)

	return nil
}

func (c *CLI) create(ctx context.Context, opts struct {
	Global
	Size string `short:"s" long:"size" description:"size of the image" required:"true"`
}) error {
	cfg, err := virtblk.LoadConfig(opts.Config)
	if err != nil {
		return errors.Wrapf(err, "loading configuration")
	}

	path := cfg.Device.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(opts.Config), path)
	}

	size, err := parseSize(opts.Size)
	if err != nil {
		return err
	}

	if rem := size % virtblk.SectorSize; rem != 0 {
		size += virtblk.SectorSize - rem
	}

	if err := virtblk.CreateImage(path, size); err != nil {
		return err
	}

	fmt.Printf("image '%s' created (%d bytes)\n", path, size)

	return nil
}

func (c *CLI) importImage(ctx context.Context, opts struct {
	Global
	Input  string `short:"i" long:"input" description:"path or url of the image to import" required:"true"`
	BS     int    `long:"bs" description:"number of sectors to write at a time (default 2048)"`
	Expand bool   `long:"expand" description:"expand compressed files (like qcow2)"`
	Verify string `long:"verify" description:"sha256 of the data to check it against"`
}) error {
	d, err := c.openDevice(opts.Global, false)
	if err != nil {
		return err
	}

	defer d.Close()

	log := c.log

	var verify []byte
	if opts.Verify != "" {
		verify, err = hex.DecodeString(opts.Verify)
		if err != nil {
			return errors.Wrapf(err, "parsing verify sha256")
		}

		log.Info("expected sum of data", "sum", hex.EncodeToString(verify))
	}

	var reader io.Reader

	if f, err := os.Open(opts.Input); err == nil {
		defer f.Close()

		if opts.Expand {
			img, err := qcow2reader.Open(f)
			if err != nil {
				return errors.Wrapf(err, "opening qcow2 file")
			}

			log.Info("detected file as qcow2 format")

			reader = io.NewSectionReader(img, 0, img.Size())
		} else {
			log.Info("detected file as raw format")
			reader = f
		}
	} else {
		resp, err := http.Get(opts.Input)
		if err != nil {
			return errors.Wrapf(err, "fetching url")
		}

		defer resp.Body.Close()

		reader = resp.Body
	}

	bs := opts.BS
	if bs == 0 {
		bs = 2048
	}

	size := bs * virtblk.SectorSize
	if size > d.dev.MaxRequestSize() {
		size = d.dev.MaxRequestSize()
	}

	zeroes := d.exec.HasFeature(virtblk.VIRTIO_BLK_F_WRITE_ZEROES)

	h := sha256.New()
	input := io.TeeReader(bufio.NewReader(reader), h)

	buf := make([]byte, size)

	var (
		off   int64
		total int
	)

	start := time.Now()

	for {
		n, err := io.ReadFull(input, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return errors.Wrapf(err, "reading input")
		}

		if n == 0 {
			break
		}

		total += n

		data := buf[:n]
		if rem := n % virtblk.SectorSize; rem != 0 {
			clear(buf[n : n+virtblk.SectorSize-rem])
			data = buf[:n+virtblk.SectorSize-rem]
		}

		if zeroes && virtblk.IsZero(data) {
			err = d.dev.ZeroAt(off, int64(len(data)), true)
		} else {
			_, err = d.dev.WriteAt(data, off)
		}

		if err != nil {
			return errors.Wrapf(err, "writing data at offset %d", off)
		}

		off += int64(len(data))

		if n < len(buf) {
			break
		}
	}

	if err := flush(d); err != nil {
		return err
	}

	diff := time.Since(start)
	sum := h.Sum(nil)

	if len(verify) > 0 && !bytes.Equal(verify, sum) {
		log.Error("data imported and failed verification", "size", total,
			"sha256", hex.EncodeToString(sum),
			"expected", hex.EncodeToString(verify),
		)

		return errors.New("imported data failed verification")
	}

	log.Info("data imported", "size", total, "sha256", hex.EncodeToString(sum), "elapsed", diff)

	return nil
}

func (c *CLI) sha256(ctx context.Context, opts struct {
	Global
	Size int64  `short:"s" description:"read up to this many bytes (default whole device)"`
	Seek uint64 `long:"seek" description:"start at the given sector"`
	BS   int    `long:"bs" description:"how many sectors to read at a time (default 2048)"`
}) error {
	d, err := c.openDevice(opts.Global, true)
	if err != nil {
		return err
	}

	defer d.Close()

	log := c.log

	bs := opts.BS
	if bs == 0 {
		bs = 2048
	}

	size := bs * virtblk.SectorSize
	if size > d.dev.MaxRequestSize() {
		size = d.dev.MaxRequestSize()
	}

	off := int64(opts.Seek) << virtblk.SectorShift

	left := d.dev.Size() - off
	if opts.Size > 0 && opts.Size < left {
		left = opts.Size
	}

	h := sha256.New()
	buf := make([]byte, size)

	var total int64

	start := time.Now()
	for left > 0 {
		b := buf
		if left < int64(len(b)) {
			b = b[:(left+virtblk.SectorSize-1)&^(virtblk.SectorSize-1)]
		}

		_, err := d.dev.ReadAt(b, off)
		if err != nil {
			return errors.Wrapf(err, "reading data at offset %d", off)
		}

		if left < int64(len(b)) {
			b = b[:left]
		}

		h.Write(b)

		off += int64(len(b))
		total += int64(len(b))
		left -= int64(len(b))
	}

	diff := time.Since(start)

	mbPerSec := (float64(total) / (1024 * 1024)) / diff.Seconds()

	log.Info("data hashed", "size", total, "sha256", hex.EncodeToString(h.Sum(nil)), "elapsed", diff, "mb-per-sec", mbPerSec)

	return nil
}
