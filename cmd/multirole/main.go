package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/urfave/cli"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/multirole/internal/adv"
	"github.com/chaz8081/multirole/internal/ble"
	"github.com/chaz8081/multirole/internal/config"
	"github.com/chaz8081/multirole/internal/display"
	"github.com/chaz8081/multirole/internal/event"
	"github.com/chaz8081/multirole/internal/hotkey"
	"github.com/chaz8081/multirole/internal/journal"
	"github.com/chaz8081/multirole/internal/multirole"
	"github.com/chaz8081/multirole/internal/profile"
	"github.com/chaz8081/multirole/internal/security"
)

// txPower is advertised in the scan response.
const txPower int8 = 0

func main() {
	app := cli.NewApp()

	app.Name = "multirole"
	app.Usage = "BLE device acting as peripheral and central at once"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to config file (default: ~/.config/multirole/config.yaml)",
		},
	}
	app.Action = run

	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "Run the multi-role device",
			Action: run,
		},
		{
			Name:   "print-config",
			Usage:  "Print the effective configuration",
			Action: printConfig,
		},
		{
			Name:   "init-config",
			Usage:  "Write the default configuration file",
			Action: initConfig,
		},
		{
			Name:      "check-adv",
			Usage:     "Report whether hex advertising data lists a 16-bit service UUID",
			ArgsUsage: "<hex payload>",
			Action:    checkAdv,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "uuid, u", Value: "0xAA80", Usage: "service UUID"},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	params, err := cfg.SecurityParams()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	responder, err := security.NewResponder(params)
	if err != nil {
		return err
	}

	jrnl, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return err
	}
	defer jrnl.Close()

	store := profile.NewStore()
	opts := deviceOptions(cfg)

	var dev *multirole.Device
	sink := ble.SinkFunc(func(ev event.Stack) bool { return dev.PostStack(ev) })
	tr := ble.NewTransport(ble.NewTinyGoAdapter(), sink, ble.TransportOptions{
		Advertisement: advertisement(cfg),
	})
	defer tr.Close()

	dev = multirole.New(tr, opts, multirole.Deps{
		Store:     store,
		Display:   display.NewConsole(os.Stdout, true),
		Journal:   jrnl,
		Responder: responder,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := hotkey.NewListener(
		hotkey.Binding{Keys: cfg.Keys.Left, Bit: event.KeyLeft},
		hotkey.Binding{Keys: cfg.Keys.Right, Bit: event.KeyRight},
	)
	go listener.Start()
	go func() {
		for ev := range listener.Events() {
			dev.PostApp(event.KeysPressed{Keys: ev.Keys})
		}
	}()

	done := make(chan error, 1)
	go func() { done <- dev.Run(ctx) }()

	if err := tr.Start(store); err != nil {
		cancel()
		<-done
		return err
	}

	log.Printf("Ready! Left: %s, right: %s. Ctrl+C to quit.",
		strings.Join(cfg.Keys.Left, "+"), strings.Join(cfg.Keys.Right, "+"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	err = awaitExit(sigCh, done, func(sig os.Signal) {
		log.Printf("Received %s, shutting down...", sig)
		cancel()
		<-done
		tr.Close()
		jrnl.Close()
		log.Println("Goodbye!")
		// Exit directly to avoid gohook's C cleanup crash.
		// The OS reclaims the event hook on process exit.
		os.Exit(0)
	})
	listener.Stop()
	return err
}

// awaitExit blocks until a signal arrives or the device stops. A signal is
// handed to shutdown; a stopped device returns its error.
func awaitExit(sigCh <-chan os.Signal, done <-chan error, shutdown func(os.Signal)) error {
	select {
	case sig := <-sigCh:
		shutdown(sig)
		return nil
	case err := <-done:
		return err
	}
}

// deviceOptions maps the config onto device options.
func deviceOptions(cfg *config.Config) multirole.Options {
	return multirole.Options{
		MaxLinks:           cfg.Links.Max,
		DiscoveryDelay:     cfg.Discovery.Delay,
		LegacyFailureReset: cfg.Discovery.LegacyFailureReset,
		Scan: ble.ScanParams{
			Duration:  cfg.Scan.Duration,
			Active:    cfg.Scan.Active,
			Whitelist: cfg.Scan.Whitelist,
		},
		FilterByService: cfg.Scan.FilterByService,
		TargetService:   cfg.Scan.TargetService,
		MaxScanResults:  cfg.Scan.MaxResults,
		Advertise:       cfg.Advertising.Enabled,
	}
}

// advertisement builds the advertising set: general discoverable flags and
// the service UUID in the payload, the name and TX power in the scan
// response.
func advertisement(cfg *config.Config) ble.Advertisement {
	var payload, scanRsp adv.Builder
	payload.
		Flags(adv.FlagGeneralDiscoverable | adv.FlagBREDRNotSupported).
		UUIDs16(cfg.Advertising.ServiceUUID)
	scanRsp.
		CompleteName(cfg.Advertising.LocalName).
		TxPower(txPower)
	return ble.Advertisement{
		LocalName:    cfg.Advertising.LocalName,
		ServiceUUIDs: []uint16{cfg.Advertising.ServiceUUID},
		Interval:     cfg.Advertising.Interval,
		Payload:      payload.Bytes(),
		ScanResponse: scanRsp.Bytes(),
	}
}

func printConfig(c *cli.Context) error {
	cfg, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

func initConfig(c *cli.Context) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}

func checkAdv(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("expected one hex payload argument", 2)
	}
	uuid, err := strconv.ParseUint(c.String("uuid"), 0, 16)
	if err != nil {
		return fmt.Errorf("invalid uuid %q: %w", c.String("uuid"), err)
	}
	data, err := hex.DecodeString(strings.ReplaceAll(c.Args().First(), ":", ""))
	if err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	p := adv.Packet(data)
	if name := p.LocalName(); name != "" {
		fmt.Printf("  Name:   %s\n", name)
	}
	for _, u := range p.UUIDs16() {
		fmt.Printf("  UUID16: 0x%04X\n", u)
	}
	fmt.Printf("0x%04X present: %v\n", uuid, adv.FindServiceUUID(uint16(uuid), data))
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== multirole ===")
	fmt.Printf("  Links:     %d\n", cfg.Links.Max)
	fmt.Printf("  Name:      %s (service 0x%04X)\n", cfg.Advertising.LocalName, cfg.Advertising.ServiceUUID)
	fmt.Printf("  Scan:      %s, target 0x%04X (filter: %v)\n", cfg.Scan.Duration, cfg.Scan.TargetService, cfg.Scan.FilterByService)
	fmt.Printf("  Pairing:   %s (%s)\n", cfg.Security.PairingMode, cfg.Security.IOCapabilities)
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("=================")
}
