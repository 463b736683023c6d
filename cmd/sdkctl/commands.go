package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/tidwall/jsonc"
	"github.com/urfave/cli/v3"

	"idvsdk/options"
	"idvsdk/token"
)

func getCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "token",
			Usage: "Work with SDK tokens",
			Commands: []*cli.Command{
				{
					Name:      "inspect",
					Usage:     "Decode a token payload and report its expiry",
					ArgsUsage: "<token>",
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:    "format",
							Aliases: []string{"f"},
							Value:   "text",
							Usage:   "Output format: 'text' or 'json'",
						},
					},
					Action: func(ctx context.Context, cmd *cli.Command) error {
						raw := cmd.Args().First()
						if raw == "" {
							return errors.New("token argument is required")
						}
						return runTokenInspect(os.Stdout, raw, time.Now(), cmd.String("format"))
					},
				},
			},
		},
		{
			Name:  "options",
			Usage: "Work with SDK option files",
			Commands: []*cli.Command{
				{
					Name:  "normalize",
					Usage: "Normalize a JSON or JSONC options file and print the result",
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:     "file",
							Aliases:  []string{"i"},
							Required: true,
							Usage:    "Options file; '-' reads stdin. Comments and trailing commas are allowed",
						},
						&cli.BoolFlag{
							Name:  "strict",
							Usage: "Exit with an error when normalization produced warnings or the token is invalid",
						},
					},
					Action: func(ctx context.Context, cmd *cli.Command) error {
						data, err := readInput(cmd.String("file"), os.Stdin)
						if err != nil {
							return err
						}
						return runNormalize(os.Stdout, data, options.LoadDefaults(), cmd.Bool("strict"))
					},
				},
			},
		},
		{
			Name:  "defaults",
			Usage: "Print the defaults resolved from the environment and .env",
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return runDefaults(os.Stdout, options.LoadDefaults())
			},
		},
	}
}

type tokenReport struct {
	URLs      map[string]string `json:"urls,omitempty"`
	Subject   string            `json:"sub,omitempty"`
	ExpiresAt *time.Time        `json:"expiresAt,omitempty"`
	Expired   bool              `json:"expired"`
}

func runTokenInspect(w io.Writer, raw string, now time.Time, format string) error {
	payload, err := token.Decode(raw)
	if err != nil {
		return fmt.Errorf("decode token: %w", err)
	}
	expired, err := token.IsExpired(raw, now)
	if err != nil {
		return fmt.Errorf("check expiry: %w", err)
	}

	report := tokenReport{URLs: payload.URLs, Subject: payload.Subject, Expired: expired}
	if exp, ok := payload.Expiry(); ok {
		exp = exp.UTC()
		report.ExpiresAt = &exp
	}

	if format == "json" {
		return writeJSON(w, report)
	}

	if report.ExpiresAt != nil {
		fmt.Fprintf(w, "expires:  %s (expired: %t)\n", report.ExpiresAt.Format(time.RFC3339), report.Expired)
	} else {
		fmt.Fprintln(w, "expires:  never")
	}
	if report.Subject != "" {
		fmt.Fprintf(w, "subject:  %s\n", report.Subject)
	}
	for _, k := range sortedKeys(report.URLs) {
		fmt.Fprintf(w, "url:      %s = %s\n", k, report.URLs[k])
	}
	return nil
}

type normalizeReport struct {
	TokenValid           bool              `json:"tokenValid"`
	TokenError           string            `json:"tokenError,omitempty"`
	URLs                 options.URLMap    `json:"urls"`
	ContainerID          string            `json:"containerId"`
	Steps                []options.Step    `json:"steps"`
	SMSNumberCountryCode string            `json:"smsNumberCountryCode"`
	Language             string            `json:"language,omitempty"`
	Warnings             []options.Warning `json:"warnings,omitempty"`
}

// errStrict is returned by runNormalize in strict mode after the report is printed.
var errStrict = errors.New("options produced warnings")

func runNormalize(w io.Writer, data []byte, defaults options.Defaults, strict bool) error {
	raw, err := options.DecodeRaw(jsonc.ToJSON(data))
	if err != nil {
		return fmt.Errorf("parse options: %w", err)
	}

	var tokenErr error
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg, warnings := options.NewNormalizer(defaults, nil, logger).Normalize(raw, func(err error) { tokenErr = err })

	report := normalizeReport{
		TokenValid:           cfg.HasToken() && tokenErr == nil,
		URLs:                 cfg.URLs,
		ContainerID:          cfg.ContainerID,
		Steps:                cfg.Steps,
		SMSNumberCountryCode: cfg.SMSNumberCountryCode,
		Language:             cfg.Language,
		Warnings:             warnings,
	}
	if tokenErr != nil {
		report.TokenError = tokenErr.Error()
	}
	if err := writeJSON(w, report); err != nil {
		return err
	}

	if strict && (len(warnings) > 0 || !report.TokenValid) {
		return errStrict
	}
	return nil
}

func runDefaults(w io.Writer, d options.Defaults) error {
	return writeJSON(w, map[string]any{
		"urls":                 d.URLs,
		"containerId":          d.ContainerID,
		"steps":                d.Steps,
		"smsNumberCountryCode": d.SMSNumberCountryCode,
	})
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read options: %w", err)
	}
	return data, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
