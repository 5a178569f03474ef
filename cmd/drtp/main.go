package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	drtp "github.com/nicosta1132/drtp-go"
)

const defaultOutputFile = "received_file"

type options struct {
	server     bool
	client     bool
	ip         string
	port       int
	file       string
	window     int
	discard    uint
	configPath string
	verbose    bool
}

// registerFlags binds the CLI surface to fs. Each protocol flag has a short
// and a long name.
func registerFlags(fs *flag.FlagSet) *options {
	o := &options{}
	fs.BoolVar(&o.server, "s", false, "enable server mode")
	fs.BoolVar(&o.server, "server", false, "enable server mode")
	fs.BoolVar(&o.client, "c", false, "enable client mode")
	fs.BoolVar(&o.client, "client", false, "enable client mode")
	fs.StringVar(&o.ip, "i", "127.0.0.1", "IP address in dotted decimal notation")
	fs.StringVar(&o.ip, "ip", "127.0.0.1", "IP address in dotted decimal notation")
	fs.IntVar(&o.port, "p", 8088, "port number in the range [1024, 65535]")
	fs.IntVar(&o.port, "port", 8088, "port number in the range [1024, 65535]")
	fs.StringVar(&o.file, "f", "", "file to send (client) or output file name (server)")
	fs.StringVar(&o.file, "file", "", "file to send (client) or output file name (server)")
	fs.IntVar(&o.window, "w", 3, "sliding window size in segments")
	fs.IntVar(&o.window, "window", 3, "sliding window size in segments")
	fs.UintVar(&o.discard, "d", 0, "sequence number the server discards once, to test retransmission")
	fs.UintVar(&o.discard, "discard", 0, "sequence number the server discards once, to test retransmission")
	fs.StringVar(&o.configPath, "config", "", "optional yaml config file")
	fs.BoolVar(&o.verbose, "v", false, "log per-packet events")
	return o
}

func main() {
	opts := registerFlags(flag.CommandLine)
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000000"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if opts.verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if opts.server == opts.client {
		fatal(fmt.Errorf("specify either server mode (-s) or client mode (-c)"))
	}
	if err := validatePort(opts.port); err != nil {
		fatal(err)
	}
	if err := validateIP(opts.ip); err != nil {
		fatal(err)
	}
	if opts.window <= 0 || opts.window > 65535 {
		fatal(fmt.Errorf("window size must be a positive integer below 65536, got %d", opts.window))
	}

	cfg := drtp.DefaultConfig()
	if opts.configPath != "" {
		loaded, err := drtp.LoadConfig(opts.configPath)
		if err != nil {
			fatal(err)
		}
		cfg = loaded
	}
	cfg.WindowSize = uint16(opts.window)
	cfg.DiscardSeq = uint32(opts.discard)

	addr := net.JoinHostPort(opts.ip, strconv.Itoa(opts.port))
	if opts.server {
		runServer(addr, opts.file, cfg)
	} else {
		runClient(addr, opts.file, cfg)
	}
}

func validatePort(port int) error {
	if port < 1024 || port > 65535 {
		return fmt.Errorf("invalid port %d, it must be within the range [1024, 65535]", port)
	}
	return nil
}

func validateIP(address string) error {
	if net.ParseIP(address) == nil {
		return fmt.Errorf("invalid IP %q, it must be in this format: 10.1.2.3", address)
	}
	return nil
}

func runServer(addr, fileName string, cfg *drtp.Config) {
	if fileName == "" {
		fileName = defaultOutputFile
	}
	listener, err := drtp.Listen(addr, cfg)
	if err != nil {
		fatal(err)
	}
	log.Info().Str("addr", addr).Msg("server started")

	conn, err := listener.Accept()
	if err != nil {
		fatal(err)
	}
	out, err := os.Create(fileName)
	if err != nil {
		fatal(err)
	}
	start := time.Now()
	n, recvErr := conn.ReceiveStream(out)
	duration := time.Since(start)
	if err := out.Close(); err != nil {
		fatal(err)
	}
	if recvErr != nil {
		fatal(recvErr)
	}
	throughput := float64(n) * 8 / duration.Seconds() / 1e6
	log.Info().
		Int("bytes", n).
		Str("file", fileName).
		Str("throughput", fmt.Sprintf("%.2f Mbps", throughput)).
		Msg("transfer complete")
	if err := conn.Close(); err != nil {
		log.Warn().Err(err).Msg("connection closed uncleanly")
	}
}

func runClient(addr, fileName string, cfg *drtp.Config) {
	if fileName == "" {
		fatal(fmt.Errorf("specify the file to send using -f"))
	}
	in, err := os.Open(fileName)
	if err != nil {
		fatal(fmt.Errorf("file %s not found", fileName))
	}
	defer in.Close()

	conn, err := drtp.Dial(addr, cfg)
	if err != nil {
		fatal(err)
	}
	n, err := conn.SendStream(in)
	if err != nil {
		fatal(err)
	}
	if err := conn.Close(); err != nil {
		if errors.Is(err, drtp.ErrTeardownTimeout) {
			log.Warn().Err(err).Msg("connection closed without acknowledgment")
		} else {
			fatal(err)
		}
	}
	log.Info().Int("bytes", n).Str("file", fileName).Msg("file sent")
}

func fatal(err error) {
	log.Fatal().Err(err).Msg("drtp")
}
