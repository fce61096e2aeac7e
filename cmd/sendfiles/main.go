package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sendfiles/internal/client"

	"github.com/spf13/cobra"
)

type options struct {
	server       string
	token        string
	title        string
	message      string
	email        string
	recipients   []string
	password     string
	expires      int
	maxDownloads int
	chunkMB      int64
	retries      int
}

func main() {
	opts := &options{}

	root := &cobra.Command{
		Use:           "sendfiles [files or directories...]",
		Short:         "Upload files and print a share link",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, args)
		},
	}

	f := root.Flags()
	f.StringVarP(&opts.server, "server", "s", envOr("SENDFILES_SERVER", "http://localhost:8080"), "server base URL")
	f.StringVar(&opts.token, "token", os.Getenv("SENDFILES_TOKEN"), "bearer token for an account with a plan")
	f.StringVarP(&opts.title, "title", "t", "", "transfer title")
	f.StringVarP(&opts.message, "message", "m", "", "message for recipients")
	f.StringVar(&opts.email, "from", "", "sender email")
	f.StringSliceVar(&opts.recipients, "to", nil, "recipient emails")
	f.StringVarP(&opts.password, "password", "p", "", "password required to download")
	f.IntVarP(&opts.expires, "expires", "e", 0, "days until the link expires")
	f.IntVar(&opts.maxDownloads, "max-downloads", 0, "download limit, 0 for unlimited")
	f.Int64Var(&opts.chunkMB, "chunk-size", client.DefaultChunkSize/(1024*1024), "upload chunk size in MiB")
	f.IntVar(&opts.retries, "retries", client.DefaultMaxRetries, "retries per chunk before giving up")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options, args []string) error {
	parsedPaths, err := client.ParseArgs(args)
	if err != nil {
		return err
	}

	items, cleanup, err := client.PrepareItems(parsedPaths, os.TempDir())
	if err != nil {
		return fmt.Errorf("preparing files: %w", err)
	}
	defer cleanup()

	c := client.New(opts.server)
	c.Token = opts.token
	c.ChunkSize = opts.chunkMB * 1024 * 1024
	c.MaxRetries = opts.retries

	req := client.TransferOptions{
		Title:          opts.title,
		Message:        opts.message,
		SenderEmail:    opts.email,
		Recipients:     opts.recipients,
		Password:       opts.password,
		ExpirationDays: opts.expires,
	}
	if opts.maxDownloads > 0 {
		req.MaxDownloads = &opts.maxDownloads
	}

	transfer, err := c.CreateTransfer(ctx, req)
	if err != nil {
		return err
	}

	for _, item := range items {
		start := time.Now()
		err := c.Upload(ctx, transfer.UploadURL, item, func(sent, total int64) {
			fmt.Fprintf(os.Stderr, "\r%s  %3d%%", item.Name, sent*100/total)
		})
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Uploaded %s (%d bytes) in %s\n", item.Name, item.Size, time.Since(start).Round(time.Millisecond))
	}

	ready, err := c.Finalize(ctx, transfer.ID)
	if err != nil {
		return err
	}

	fmt.Printf("\nShare link: %s\n", ready.ShareURL)
	fmt.Printf("Expires:    %s\n", ready.ExpiresAt.Local().Format(time.RFC1123))
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
