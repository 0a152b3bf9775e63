package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/lagren/mxguard/banner"
	"github.com/lagren/mxguard/config"
	"github.com/lagren/mxguard/mx"
	"github.com/lagren/mxguard/persistence"
	"github.com/lagren/mxguard/slack"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var errNoAction = errors.New("no action given")

type options struct {
	configFile    string
	addDomain     string
	deleteDomain  string
	updateBanners bool
	listDomains   bool
	listHosts     bool
	pruneHosts    bool
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, errNoAction) {
			logrus.Errorf("%s", err)
		}

		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "mxguard [options]",
		Short:         "Keep track of the MX hosts of email domains and their SMTP banners",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.addDomain, "add-domain", "a", "", "domain name to add to database")
	flags.StringVarP(&opts.deleteDomain, "delete-domain", "d", "", "domain name to delete from database")
	flags.BoolVarP(&opts.updateBanners, "update-banners", "u", false, "update all MX banners")
	flags.BoolVarP(&opts.listDomains, "list-domains", "l", false, "list domains currently in database")
	flags.BoolVarP(&opts.listHosts, "list-hosts", "H", false, "list MX hosts with their last banner")
	flags.BoolVarP(&opts.pruneHosts, "prune-hosts", "p", false, "delete MX hosts no domain refers to")
	flags.StringVarP(&opts.configFile, "config", "c", "", "TOML configuration file")

	return cmd
}

func run(cmd *cobra.Command, opts *options) error {
	flags := cmd.Flags()
	adding := flags.Changed("add-domain")
	deleting := flags.Changed("delete-domain")

	if !opts.listDomains && !opts.updateBanners && !adding && !deleting && !opts.listHosts && !opts.pruneHosts {
		_ = cmd.Help()
		return errNoAction
	}

	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return err
	}

	if err := setupLogging(cfg); err != nil {
		return err
	}

	store, err := persistence.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	g := &mxGuard{
		store:   store,
		prober:  banner.New(cfg.Probe.Port, cfg.Probe.Timeout.AsDuration()),
		workers: cfg.Workers,
		out:     cmd.OutOrStdout(),
		now:     time.Now,
	}

	if cfg.NotifyEnabled() {
		g.notifier = slack.NewNotifier(slack.New(cfg.Slack.Token, cfg.Slack.URL), cfg.Slack.Channel)
	}

	ctx := cmd.Context()

	switch {
	case opts.listDomains:
		return g.ListDomains(ctx)
	case opts.updateBanners:
		return g.UpdateBanners(ctx)
	case adding:
		r, err := mx.New(cfg.DNS.Nameserver, cfg.DNS.Timeout.AsDuration())
		if err != nil {
			return err
		}
		g.resolver = r

		return g.AddDomain(ctx, opts.addDomain)
	case deleting:
		return g.DeleteDomain(ctx, opts.deleteDomain)
	case opts.listHosts:
		return g.ListHosts(ctx)
	default:
		return g.PruneHosts(ctx)
	}
}

func setupLogging(cfg config.Config) error {
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}

	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)

	if cfg.Log.Format == config.LFJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	return nil
}
