package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	audible "github.com/iyear/goaudible"
	"github.com/iyear/goaudible/aax"
	"github.com/iyear/goaudible/auth"
	"github.com/iyear/goaudible/internal/config"
)

func main() {
	app := &cli.Command{
		Name:  "activation-bytes",
		Usage: "Fetch the activation bytes of an Audible account",

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file",
			},
			&cli.StringFlag{
				Name:    "auth-file",
				Aliases: []string{"a"},
				Usage:   "Auth file of the audible Python package",
			},
			&cli.StringFlag{
				Name:    "locale",
				Aliases: []string{"l"},
				Usage:   "Marketplace country code, overrides the auth file",
			},
			&cli.StringFlag{
				Name:  "dump",
				Usage: "Write the raw license payload to this file",
			},
			&cli.BoolFlag{
				Name:  "keys",
				Usage: "Print all key records of the license",
			},
			&cli.StringFlag{
				Name:  "verify",
				Usage: "Check the result against this AAX file",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Timeout of the whole exchange",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "text or json",
			},
		},

		Action: fetch,

		Commands: []*cli.Command{
			{
				Name:      "verify",
				Usage:     "Check activation bytes against an AAX file",
				ArgsUsage: "<activation bytes> <file.aax>",
				Action:    verify,
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	if c.IsSet("auth-file") {
		cfg.AuthFile = c.String("auth-file")
	}
	if c.IsSet("locale") {
		cfg.Locale = c.String("locale")
	}
	if c.IsSet("dump") {
		cfg.DumpFile = c.String("dump")
	}
	if c.IsSet("timeout") {
		cfg.Timeout = c.Duration("timeout")
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Logging.Format = c.String("log-format")
	}

	if err = cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func fetch(ctx context.Context, c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := cfg.Logging.Logger()

	session, err := auth.New(auth.FromFile(cfg.AuthFile))
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if cfg.Locale != "" {
		locale, err := audible.LocaleFor(cfg.Locale)
		if err != nil {
			return err
		}
		session = session.WithLocale(locale)
	}

	var sink io.Writer
	if cfg.DumpFile != "" {
		dump := &dumpFile{path: cfg.DumpFile}
		defer func() { _ = dump.Close() }()
		sink = dump
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client := audible.NewClient(audible.WithLogger(logger))
	act, err := client.ActivationBytes(ctx, session, sink)
	if err != nil {
		return describe(err)
	}

	fmt.Println(act.Bytes)
	if c.Bool("keys") {
		for i, k := range act.Keys {
			fmt.Printf("key %d: %s\n", i, k)
		}
	}

	if path := c.String("verify"); path != "" {
		if err = verifyFile(act.Bytes, path); err != nil {
			return err
		}
		logger.Info("activation bytes match file", slog.String("file", path))
	}

	return nil
}

func verify(_ context.Context, c *cli.Command) error {
	if c.Args().Len() != 2 {
		return fmt.Errorf("expected <activation bytes> <file.aax>, got %d arguments", c.Args().Len())
	}

	if err := verifyFile(c.Args().Get(0), c.Args().Get(1)); err != nil {
		return err
	}

	fmt.Println("ok")
	return nil
}

func verifyFile(activationBytes, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open aax file: %w", err)
	}
	defer func() { _ = f.Close() }()

	drm, err := aax.ReadDRM(f)
	if err != nil {
		return fmt.Errorf("read drm header: %w", err)
	}

	if err = drm.Verify(activationBytes); err != nil {
		return fmt.Errorf("verify %s: %w", path, err)
	}

	return nil
}

// describe prefixes err with the failure kind.
func describe(err error) error {
	var (
		protocol  *audible.ProtocolError
		transport *audible.TransportError
		payload   *audible.InvalidPayloadError
	)

	switch {
	case errors.As(err, &payload):
		return fmt.Errorf("activation failed, the license was rejected: %w", err)
	case errors.As(err, &protocol):
		return fmt.Errorf("activation failed, check that the session is still logged in: %w", err)
	case errors.As(err, &transport):
		return fmt.Errorf("activation failed, network error: %w", err)
	default:
		return err
	}
}

// dumpFile creates the file at path on the first write, so a flow that never
// reaches the license leaves nothing behind.
type dumpFile struct {
	path string
	f    *os.File
}

func (d *dumpFile) Write(p []byte) (int, error) {
	if d.f == nil {
		f, err := os.Create(d.path)
		if err != nil {
			return 0, fmt.Errorf("create dump file: %w", err)
		}
		d.f = f
	}
	return d.f.Write(p)
}

func (d *dumpFile) Close() error {
	if d.f == nil {
		return nil
	}
	return d.f.Close()
}
