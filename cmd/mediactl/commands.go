package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"feed-media/internal/app"
	"feed-media/internal/auth"
	"feed-media/internal/config"
	"feed-media/internal/domain"
	"feed-media/internal/uploader"
)

type cli struct {
	subject string
	verbose bool

	cfg    config.Config
	logger *logrus.Logger
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "mediactl",
		Short:        "Upload media for feed posts and resolve download URLs",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.initialize()
		},
	}
	root.PersistentFlags().StringVarP(&c.subject, "user", "u", "", "user id to act as (defaults to auth.subject)")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log engine activity")

	root.AddCommand(c.newUploadCommand())
	root.AddCommand(c.newResolveCommand())
	return root
}

func (c *cli) initialize() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	c.cfg = cfg
	level := "warn"
	if c.verbose {
		level = "debug"
	}
	c.logger = app.NewLogger(level)
	if c.subject == "" {
		c.subject = cfg.Auth.Subject
	}
	return nil
}

func (c *cli) identity() (auth.Identity, error) {
	return auth.NewSignerIdentity(c.subject, c.cfg.Auth.JWTSecret, c.cfg.Auth.Issuer, c.cfg.Auth.TokenTTL)
}

func (c *cli) newUploadCommand() *cobra.Command {
	var (
		parentID string
		capacity int
	)
	cmd := &cobra.Command{
		Use:   "upload [--parent ID] [--max N] FILE...",
		Short: "Upload files as one batch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := c.identity()
			if err != nil {
				return err
			}
			if capacity <= 0 {
				capacity = c.cfg.Upload.BatchMax
			}
			batch, err := uploader.NewBatch(capacity, 0)
			if err != nil {
				return err
			}

			files, closeFiles, err := openCandidates(args)
			if err != nil {
				return err
			}
			defer closeFiles()

			ctx := cmd.Context()
			engine, err := app.Build(ctx, c.cfg, c.logger, nil)
			if err != nil {
				return err
			}
			defer engine.Close()

			subCtx, cancel := context.WithCancel(ctx)
			done := make(chan struct{})
			go func() {
				defer close(done)
				renderProgress(cmd.ErrOrStderr(), engine.Manager.Subscribe(subCtx, id.UserID()))
			}()

			report, err := engine.Manager.Upload(ctx, batch, id, files, parentID)
			cancel()
			<-done
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&parentID, "parent", "", "post the files belong to")
	cmd.Flags().IntVar(&capacity, "max", 0, "batch capacity (defaults to upload.batchmax)")
	return cmd
}

func (c *cli) newResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve FILE_ID",
		Short: "Print a fresh download URL for an uploaded file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := c.identity()
			if err != nil {
				return err
			}
			engine, err := app.Build(cmd.Context(), c.cfg, c.logger, nil)
			if err != nil {
				return err
			}
			defer engine.Close()

			url, err := engine.Manager.ResolveURL(cmd.Context(), id, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		},
	}
}

// openCandidates opens every path for reading. The returned func closes them.
func openCandidates(paths []string) ([]domain.FileCandidate, func(), error) {
	var opened []*os.File
	closeAll := func() {
		for _, f := range opened {
			f.Close()
		}
	}

	files := make([]domain.FileCandidate, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		opened = append(opened, f)
		info, err := f.Stat()
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		if info.IsDir() {
			closeAll()
			return nil, nil, fmt.Errorf("%s is a directory", p)
		}
		mt, err := mimetype.DetectFile(p)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("detect type of %s: %w", p, err)
		}
		files = append(files, domain.FileCandidate{
			Name:     filepath.Base(p),
			Size:     info.Size(),
			MIMEType: mt.String(),
			Content:  f,
		})
	}
	return files, closeAll, nil
}

var errSomeFailed = errors.New("some files were not uploaded")
