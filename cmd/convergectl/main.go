package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/danmuck/convergectl/internal/artifacts"
	"github.com/danmuck/convergectl/internal/config"
	"github.com/danmuck/convergectl/internal/logging"
	"github.com/danmuck/convergectl/internal/reconcile"
	"github.com/danmuck/convergectl/internal/server"
	"github.com/danmuck/convergectl/internal/surface"
	"github.com/danmuck/convergectl/internal/topology"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "convergectl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "convergectl",
		Short:         "Converge a deployment target toward a desired service topology",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.ConfigureRuntime()
		},
	}
	root.AddCommand(newServeCommand(), newPlanCommand(), newConfigCommand())
	return root
}

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reconciliation service and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServiceConfig(configPath)
			if err != nil {
				return err
			}
			gin.SetMode(gin.ReleaseMode)
			svc, err := server.NewService(cfg)
			if err != nil {
				return err
			}
			return svc.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config.toml")
	return cmd
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or validate config.toml",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write the default config template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(args[0], force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote config template to %s\n", args[0])
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Load and validate a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServiceConfig(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid: listen=%s surface=%s history=%s\n",
				cfg.ListenAddr, cfg.Surface.Kind, cfg.History.Backend)
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}

type planOptions struct {
	desired  string
	observed string
	previous string
	repo     string
	asJSON   bool
}

func newPlanCommand() *cobra.Command {
	var opts planOptions
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the plan one reconciliation pass would build",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.desired, "desired", "", "desired topology file (JSON or YAML)")
	cmd.Flags().StringVar(&opts.observed, "observed", "", "observed status file (JSON); empty means nothing deployed")
	cmd.Flags().StringVar(&opts.previous, "previous", "", "previously desired topology file")
	cmd.Flags().StringVar(&opts.repo, "repo", ".", "artifact repository local services resolve against")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the plan report as JSON")
	_ = cmd.MarkFlagRequired("desired")
	return cmd
}

func runPlan(cmd *cobra.Command, opts planOptions) error {
	desired, err := readDesired(opts.desired)
	if err != nil {
		return err
	}
	observed := &topology.ObservedTopology{Services: map[string]topology.ObservedService{}}
	if opts.observed != "" {
		raw, err := os.ReadFile(opts.observed)
		if err != nil {
			return err
		}
		if observed, err = topology.DecodeObserved(raw); err != nil {
			return err
		}
	}
	rcCfg := reconcile.DefaultConfig()
	rcCfg.ArtifactVersion = server.DefaultConfig().ArtifactVersion
	repo := &artifacts.Repository{Root: opts.repo}
	rcOpts := []reconcile.Option{
		reconcile.WithPublisher(artifacts.NewPublisher(repo, rcCfg.ArtifactVersion)),
	}
	if opts.previous != "" {
		previous, err := readDesired(opts.previous)
		if err != nil {
			return err
		}
		rcOpts = append(rcOpts, reconcile.WithPrevious(previous))
	}

	rc, err := reconcile.New(surface.NewMemoryFrom(observed), rcCfg, rcOpts...)
	if err != nil {
		return err
	}
	if err := rc.Submit(desired); err != nil {
		return err
	}
	p := rc.BuildPlan(cmd.Context(), observed)

	out := cmd.OutOrStdout()
	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(p.Report())
	}
	if p.Len() == 0 {
		fmt.Fprintln(out, "converged: no steps")
		return nil
	}
	for i, line := range p.Describe() {
		fmt.Fprintf(out, "%2d. %s\n", i+1, line)
	}
	return nil
}

func readDesired(path string) (*topology.DesiredTopology, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return topology.DecodeDesired(raw, topology.FormatFor(path))
}
