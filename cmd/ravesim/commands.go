package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ravesim/internal/adapters/archive"
	"ravesim/internal/app"
	"ravesim/internal/config"
	"ravesim/internal/core"
	"ravesim/internal/logging"
	"ravesim/internal/odm"
	"ravesim/pkg/domain"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "ravesim",
		Short: "ravesim - simulated clinical data capture backend",
		Long: `ravesim simulates the data capture side of a clinical trial: a seeded
roster of subjects moves through scheduled visits tick by tick, every field
write is appended to an audit ledger, and the state is served as ODM XML over
RWS-style HTTP paths.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceErrors:      true,
		SilenceUsage:       true,
		FParseErrWhitelist: cobra.FParseErrWhitelist{},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("RAVESIM_CONFIG"), "Path to the YAML configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override logging.level (trace, debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(opts),
		newTickCmd(opts),
		newRenderCmd(opts),
		newExportCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(opts),
	)
	return root
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	return cfg, nil
}

func (o *rootOptions) build(ctx context.Context, cmd *cobra.Command) (*app.App, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, cmd.ErrOrStderr())
	return app.New(ctx, cfg, app.WithLogger(logger))
}

func closeApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		a.Logger.Warn("shutdown incomplete", "error", err)
	}
}

func pickEngine(a *app.App, studyOID string) (*core.Engine, error) {
	if studyOID == "" {
		return a.Registry.Default()
	}
	return a.Registry.Lookup(studyOID)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the RWS endpoints and run the automatic tick timers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := opts.build(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeApp(a)
			if addr == "" {
				addr = a.Config.Service.Addr
			}
			srv := &http.Server{
				Addr:              addr,
				Handler:           a.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			a.Exports.Start()
			a.StartTimers()

			errCh := make(chan error, 1)
			go func() {
				a.Logger.Info("listening", "addr", addr)
				errCh <- srv.ListenAndServe()
			}()
			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}
			a.Logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (defaults to service.addr)")
	return cmd
}

func newTickCmd(opts *rootOptions) *cobra.Command {
	var (
		count int
		study string
	)
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Advance a study by one or more ticks and persist the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be >= 1")
			}
			a, err := opts.build(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeApp(a)
			engine, err := pickEngine(a, study)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i := 0; i < count; i++ {
				res, err := engine.Tick(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s tick=%d processed=%d skipped=%d audits=%d\n",
					engine.Study().OID, res.Tick, res.Processed, res.Skipped, res.AuditCreated)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of ticks")
	cmd.Flags().StringVar(&study, "study", "", "Study OID (defaults to the first configured study)")
	return cmd
}

type renderOptions struct {
	study   string
	form    string
	subject string
	perPage int
	startID int64
}

func newRenderCmd(opts *rootOptions) *cobra.Command {
	ro := &renderOptions{}
	kinds := []string{odm.KindMetadata, odm.KindClinicalData, odm.KindSubjects, odm.KindAudit, odm.KindStatus, odm.KindStudies}
	cmd := &cobra.Command{
		Use:       "render KIND",
		Short:     "Print one ODM document for a study",
		Long:      "Print one ODM document for a study. KIND is one of: " + strings.Join(kinds, ", ") + ".",
		Args:      cobra.ExactArgs(1),
		ValidArgs: kinds,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.build(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeApp(a)
			return renderDocument(cmd.OutOrStdout(), a, strings.ToLower(args[0]), ro)
		},
	}
	cmd.Flags().StringVar(&ro.study, "study", "", "Study OID (defaults to the first configured study)")
	cmd.Flags().StringVar(&ro.form, "form", "", "Form OID filter for clinicaldata and audit")
	cmd.Flags().StringVar(&ro.subject, "subject", "", "Subject key for clinicaldata")
	cmd.Flags().IntVar(&ro.perPage, "per-page", 0, "Audit page size (defaults to audit.per_page_default)")
	cmd.Flags().Int64Var(&ro.startID, "start-id", 0, "First audit record id")
	return cmd
}

func renderDocument(w io.Writer, a *app.App, kind string, ro *renderOptions) error {
	if kind == odm.KindStudies {
		return odm.Encode(w, odm.Studies(a.Registry.Studies(), time.Now().UTC()))
	}
	engine, err := pickEngine(a, ro.study)
	if err != nil {
		return err
	}
	view, err := engine.View()
	if err != nil {
		return err
	}
	var doc *odm.Node
	switch kind {
	case odm.KindMetadata:
		doc = odm.Metadata(view, odm.MetadataOptions{})
	case odm.KindClinicalData:
		doc, err = odm.ClinicalData(view, odm.ClinicalOptions{FormOID: ro.form, SubjectKey: ro.subject})
		if err != nil {
			return err
		}
	case odm.KindSubjects:
		doc = odm.Subjects(view)
	case odm.KindAudit:
		records, err := engine.AuditPage(view.BoundAudit(domain.AuditQuery{StartID: ro.startID, PerPage: ro.perPage, FormOID: ro.form}))
		if err != nil {
			return err
		}
		doc = odm.Audit(view, records, odm.AuditOptions{FormOID: ro.form})
	case odm.KindStatus:
		doc = odm.Status(view)
	default:
		return fmt.Errorf("unknown document kind %q", kind)
	}
	return odm.Encode(w, doc)
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var (
		studies []string
		kinds   []string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every rendered document to the export blob store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.build(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeApp(a)
			record, err := a.Exports.Export(cmd.Context(), archive.Input{Studies: studies, Kinds: kinds, RequestedBy: "cli"})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, artifact := range record.Artifacts {
				fmt.Fprintf(out, "%s\t%d\n", artifact.Key, artifact.SizeBytes)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&studies, "study", nil, "Study OIDs to export (defaults to all)")
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "Document kinds to export (defaults to all)")
	return cmd
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			raw, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(raw)
			return err
		},
	}
}

func newVersionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the RWS version string served by /RaveWebServices/version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), odm.Version(cfg.Service.Version))
			return nil
		},
	}
}
