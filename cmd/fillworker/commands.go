package main

import (
	"errors"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli/v2"

	"github.com/alanyoungcy/fillindexer/internal/app"
	"github.com/alanyoungcy/fillindexer/internal/config"
)

func consumeCommand() *cli.Command {
	return &cli.Command{
		Name:  "consume",
		Usage: "Consume attribution jobs and upsert them into the search index",
		Action: func(c *cli.Context) error {
			return runMode(c, "consume", app.IngestOptions{})
		},
	}
}

func sourceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "file",
			Usage: "Local JSON array or NDJSON fill batch",
		},
		&cli.StringFlag{
			Name:  "s3-prefix",
			Usage: "Load every batch object under this prefix (default ingest.s3_prefix)",
		},
		&cli.DurationFlag{
			Name:  "watch",
			Usage: "Re-scan the S3 prefix at this interval instead of loading once",
		},
	}
}

func ingestOptions(c *cli.Context) (app.IngestOptions, error) {
	opts := app.IngestOptions{
		File:     c.String("file"),
		S3Prefix: c.String("s3-prefix"),
		Watch:    c.Duration("watch"),
	}
	if opts.File != "" && opts.S3Prefix != "" {
		return opts, errors.New("--file and --s3-prefix are mutually exclusive")
	}
	return opts, nil
}

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:  "ingest",
		Usage: "Ingest fill batches from a file or S3",
		Flags: sourceFlags(),
		Action: func(c *cli.Context) error {
			opts, err := ingestOptions(c)
			if err != nil {
				return err
			}
			return runMode(c, "ingest", opts)
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Watch S3 for batches and consume attribution jobs in one process",
		Flags: sourceFlags(),
		Action: func(c *cli.Context) error {
			opts, err := ingestOptions(c)
			if err != nil {
				return err
			}
			return runMode(c, "run", opts)
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database migrations and exit",
		Action: func(c *cli.Context) error {
			return runMode(c, "migrate", app.IngestOptions{})
		},
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Print the effective configuration with secrets redacted",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			return toml.NewEncoder(c.App.Writer).Encode(config.RedactedConfig(cfg))
		},
	}
}
