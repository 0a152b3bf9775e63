package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lagren/mxguard/mx"
	"github.com/lagren/mxguard/persistence"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type resolver interface {
	Lookup(ctx context.Context, domain string) mx.Result
}

type prober interface {
	Probe(ctx context.Context, hostname string) (string, error)
}

type notifier interface {
	BannerChanged(ctx context.Context, hostname, previous, current string, previousSeen time.Time) error
}

type mxGuard struct {
	store    *persistence.Store
	resolver resolver
	prober   prober
	notifier notifier
	workers  int
	out      io.Writer
	now      func() time.Time
}

func (g *mxGuard) AddDomain(ctx context.Context, domain string) error {
	exists, err := g.store.DomainExists(ctx, domain)
	if err != nil {
		return err
	}

	if exists {
		fmt.Fprintf(g.out, "Domain %s already in the database, skipping.\n", domain)
		return nil
	}

	res := g.resolver.Lookup(ctx, domain)
	if !res.Found() {
		if res.Status == mx.StatusError {
			logrus.Warnf("Could not resolve %s: %s", domain, res.Err)
			fmt.Fprintln(g.out, "Error resolving domain.")
		}

		fmt.Fprintln(g.out, "No MX records found, skipping.")
		return nil
	}

	// Bound last-to-first; the order has no effect on the stored rows.
	bindings := make([]persistence.Binding, 0, len(res.Records))
	for i := len(res.Records) - 1; i >= 0; i-- {
		bindings = append(bindings, persistence.Binding{
			Host:       res.Records[i].Host,
			Preference: res.Records[i].Preference,
		})
	}

	hosts, err := g.store.BindDomainHosts(ctx, domain, bindings)
	if err != nil {
		return err
	}

	for _, h := range hosts {
		fmt.Fprintf(g.out, "MX record %s added to domain %s\n", h.MX, domain)
	}

	return nil
}

func (g *mxGuard) DeleteDomain(ctx context.Context, domain string) error {
	exists, err := g.store.DomainExists(ctx, domain)
	if err != nil {
		return err
	}

	if !exists {
		fmt.Fprintf(g.out, "Domain %s not found in the database.\n", domain)
		return nil
	}

	if _, err := g.store.DeleteDomain(ctx, domain); err != nil {
		return err
	}

	fmt.Fprintf(g.out, "Domain %s deleted from the database.\n", domain)

	return nil
}

func (g *mxGuard) ListDomains(ctx context.Context) error {
	domains, err := g.store.ListDistinctDomains(ctx)
	if err != nil {
		return err
	}

	for _, d := range domains {
		fmt.Fprintln(g.out, d)
	}

	return nil
}

type probeResult struct {
	banner    string
	err       error
	checkedAt time.Time
}

// UpdateBanners probes every known host. Probes run concurrently; output and
// persistence follow host order once all probes are done.
func (g *mxGuard) UpdateBanners(ctx context.Context) error {
	logrus.Infof("Initiate banner run...")
	defer logrus.Infof("Banner run finished")

	hosts, err := g.store.ListHosts(ctx)
	if err != nil {
		return err
	}

	results := make([]probeResult, len(hosts))

	var eg errgroup.Group
	eg.SetLimit(max(g.workers, 1))

	for i, host := range hosts {
		i, host := i, host
		eg.Go(func() error {
			logrus.Debugf("Checking %s...", host.MX)

			banner, err := g.prober.Probe(ctx, host.MX)
			results[i] = probeResult{
				banner:    banner,
				err:       err,
				checkedAt: g.now(),
			}

			return nil
		})
	}

	_ = eg.Wait()

	for i, host := range hosts {
		r := results[i]

		if r.err != nil {
			logrus.Debugf("Probe of %s failed: %s", host.MX, r.err)
			fmt.Fprintf(g.out, "%s: %s\n", host.MX, r.err)
		} else {
			fmt.Fprintln(g.out, r.banner)
		}

		changed, err := g.store.SaveProbeResult(ctx, host.MX, r.banner, r.err, r.checkedAt)
		if err != nil {
			return err
		}

		if changed && g.notifier != nil {
			g.notify(ctx, host, r.banner)
		}
	}

	return nil
}

func (g *mxGuard) notify(ctx context.Context, host persistence.MXRecord, current string) {
	var previous string
	if host.Banner != nil {
		previous = *host.Banner
	}

	var seen time.Time
	if host.LastChecked != nil {
		seen = *host.LastChecked
	}

	if err := g.notifier.BannerChanged(ctx, host.MX, previous, current, seen); err != nil {
		logrus.Warnf("Could not send banner change notification for %s: %s", host.MX, err)
	}
}

func (g *mxGuard) ListHosts(ctx context.Context) error {
	hosts, err := g.store.ListHosts(ctx)
	if err != nil {
		return err
	}

	for _, h := range hosts {
		banner := "-"
		if h.Banner != nil {
			banner = *h.Banner
		}

		checked := "never checked"
		if h.LastChecked != nil {
			checked = "checked " + humanize.Time(*h.LastChecked)
		}

		if h.Status == persistence.StatusError {
			fmt.Fprintf(g.out, "%s\t%s\t%s\t%s\n", h.MX, banner, checked, h.ErrorMessage)
			continue
		}

		fmt.Fprintf(g.out, "%s\t%s\t%s\n", h.MX, banner, checked)
	}

	return nil
}

func (g *mxGuard) PruneHosts(ctx context.Context) error {
	pruned, err := g.store.PruneOrphanHosts(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(g.out, "Pruned %d orphaned MX hosts.\n", pruned)

	return nil
}
