package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"

	"github.com/dotside-studios/nfc-relay/buildinfo"
	"github.com/dotside-studios/nfc-relay/chameleon"
	"github.com/dotside-studios/nfc-relay/mole"
	"github.com/dotside-studios/nfc-relay/relay"
	"github.com/dotside-studios/nfc-relay/server"
	"github.com/dotside-studios/nfc-relay/victim"
)

// loadVictims builds the registry from the built-in profiles plus an
// optional JSON file, then selects name when given.
func loadVictims(file, name string) (*victim.Registry, error) {
	profiles := victim.Builtin()
	if file != "" {
		extra, err := victim.LoadFile(file)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, extra...)
	}

	registry, err := victim.NewRegistry(profiles...)
	if err != nil {
		return nil, err
	}
	if name != "" {
		if err := registry.Select(name); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// serverCmd runs the emulator side of the relay.
type serverCmd struct {
	serial     string
	baud       int
	listen     string
	statusAddr string
	victims    string
	victim     string

	clientTimeout    time.Duration
	beaconInterval   time.Duration
	challengeTimeout time.Duration

	tray    bool
	tls     bool
	certDir string
	noMDNS  bool
	verbose bool
}

func (*serverCmd) Name() string     { return "server" }
func (*serverCmd) Synopsis() string { return "Run the relay server next to the card emulator" }
func (*serverCmd) Usage() string {
	return "server -serial /dev/ttyUSB0 [-victim name] [-tray]\n"
}

func (cmd *serverCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&cmd.serial, "serial", "/dev/ttyUSB0", "serial device of the card emulator")
	f.IntVar(&cmd.baud, "baud", chameleon.DefaultBaudRate, "serial baud rate")
	f.StringVar(&cmd.listen, "listen", fmt.Sprintf(":%d", relay.DefaultPort), "UDP address the relay listens on")
	f.StringVar(&cmd.statusAddr, "status", fmt.Sprintf(":%d", server.DefaultPort), "address of the status server")
	f.StringVar(&cmd.victims, "victims", "", "JSON file with additional victim profiles")
	f.StringVar(&cmd.victim, "victim", "", "victim to emulate (defaults to the first one)")

	f.DurationVar(&cmd.clientTimeout, "client-timeout", 5*time.Second, "forget the mole after this much silence")
	f.DurationVar(&cmd.beaconInterval, "beacon-interval", 3*time.Second, "interval between beacons")
	f.DurationVar(&cmd.challengeTimeout, "challenge-timeout", time.Second, "drop unanswered challenges after this long")

	f.BoolVar(&cmd.tray, "tray", false, "show a system tray icon")
	f.BoolVar(&cmd.tls, "tls", false, "serve the status surface over HTTPS")
	f.StringVar(&cmd.certDir, "certs", defaultCertDir(), "directory holding the local CA and certificates")
	f.BoolVar(&cmd.noMDNS, "no-mdns", false, "do not advertise the status server over mDNS")
	f.BoolVar(&cmd.verbose, "v", false, "log every datagram and frame")
}

func (cmd *serverCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	victims, err := loadVictims(cmd.victims, cmd.victim)
	if err != nil {
		log.Printf("Error loading victims: %v", err)
		return subcommands.ExitUsageError
	}

	agent := NewAgent(victims)
	agent.Serial = cmd.serial
	agent.BaudRate = cmd.baud
	agent.Relay = relay.Config{
		ListenAddr:       cmd.listen,
		ClientTimeout:    cmd.clientTimeout,
		BeaconInterval:   cmd.beaconInterval,
		ChallengeTimeout: cmd.challengeTimeout,
		Verbose:          cmd.verbose,
	}
	agent.Status = server.Config{
		Addr: cmd.statusAddr,
		MDNS: !cmd.noMDNS,
	}
	agent.TLS = cmd.tls
	agent.CertDir = cmd.certDir

	if cmd.tray {
		NewSystrayApp(ctx, agent).Run()
		return subcommands.ExitSuccess
	}

	if err := agent.Run(ctx); err != nil {
		log.Printf("Relay server failed: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func defaultCertDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "certs"
	}
	return filepath.Join(dir, buildinfo.Name, "certs")
}

// moleCmd runs the card side of the relay.
type moleCmd struct {
	backend string
	reader  string
	server  string
	listen  string
	victims string
	victim  string
	verbose bool
}

func (*moleCmd) Name() string     { return "mole" }
func (*moleCmd) Synopsis() string { return "Run the mole next to the victim card" }
func (*moleCmd) Usage() string {
	return "mole [-backend pcsc|libnfc] [-reader name] [-server host[:port]] [-victim name]\n"
}

func (cmd *moleCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&cmd.backend, "backend", "pcsc", "card reader backend: pcsc or libnfc")
	f.StringVar(&cmd.reader, "reader", "", "PC/SC reader name or libnfc connstring (first one found when empty)")
	f.StringVar(&cmd.server, "server", "", "relay server address (discovered from beacons when empty)")
	f.StringVar(&cmd.listen, "listen", fmt.Sprintf(":%d", relay.DefaultPort), "UDP address the mole listens on")
	f.StringVar(&cmd.victims, "victims", "", "JSON file with additional victim profiles")
	f.StringVar(&cmd.victim, "victim", "", "victim application to select on the card")
	f.BoolVar(&cmd.verbose, "v", false, "log every challenge and response")
}

func (cmd *moleCmd) openReader() (mole.Reader, error) {
	switch cmd.backend {
	case "pcsc":
		return mole.OpenPCSC(cmd.reader)
	case "libnfc":
		return mole.OpenLibnfc(cmd.reader)
	default:
		return nil, fmt.Errorf("unknown backend %q", cmd.backend)
	}
}

func (cmd *moleCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	victims, err := loadVictims(cmd.victims, cmd.victim)
	if err != nil {
		log.Printf("Error loading victims: %v", err)
		return subcommands.ExitUsageError
	}

	reader, err := cmd.openReader()
	if err != nil {
		log.Printf("Error opening reader: %v", err)
		return subcommands.ExitFailure
	}
	defer reader.Close()

	m, err := mole.Listen(reader, mole.Config{
		ServerAddr: cmd.server,
		ListenAddr: cmd.listen,
		Victim:     victims.Current(),
		Verbose:    cmd.verbose,
	})
	if err != nil {
		log.Printf("Error starting mole: %v", err)
		return subcommands.ExitFailure
	}

	if err := m.Run(ctx); err != nil {
		log.Printf("Mole failed: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// victimsCmd lists the known victim profiles.
type victimsCmd struct {
	victims string
	out     io.Writer
}

func (*victimsCmd) Name() string     { return "victims" }
func (*victimsCmd) Synopsis() string { return "List known victim profiles" }
func (*victimsCmd) Usage() string    { return "victims [-victims file]\n" }

func (cmd *victimsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&cmd.victims, "victims", "", "JSON file with additional victim profiles")
}

func (cmd *victimsCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	registry, err := loadVictims(cmd.victims, "")
	if err != nil {
		log.Printf("Error loading victims: %v", err)
		return subcommands.ExitFailure
	}

	out := cmd.out
	if out == nil {
		out = os.Stdout
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tAID\tRESPONSE LENGTH")
	for _, p := range registry.Available() {
		fmt.Fprintf(w, "%s\t%s\t%d\n", p.Name(), p.AIDHex(), p.ResponseLength())
	}
	w.Flush()
	return subcommands.ExitSuccess
}

// versionCmd prints build information.
type versionCmd struct {
	out io.Writer
}

func (*versionCmd) Name() string             { return "version" }
func (*versionCmd) Synopsis() string         { return "Print version information" }
func (*versionCmd) Usage() string            { return "version\n" }
func (*versionCmd) SetFlags(*flag.FlagSet) {}

func (cmd *versionCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	out := cmd.out
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintln(out, buildinfo.String())
	return subcommands.ExitSuccess
}
