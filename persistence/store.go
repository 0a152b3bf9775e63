package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var ErrHostNotFound = errors.New("mx host not found")

// Store is the registry of MX hosts and the domains bound to them.
type Store struct {
	db *gorm.DB
}

// Open opens the sqlite database at path, creating the schema when missing.
func Open(path string) (*Store, error) {
	dsn := path + "?_foreign_keys=on&_busy_timeout=5000"
	if strings.Contains(path, "?") {
		dsn = path + "&_foreign_keys=on&_busy_timeout=5000"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.New(logrus.StandardLogger(), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("could not open database %s: %w", path, err)
	}

	if err := db.AutoMigrate(&MXRecord{}, &Domain{}); err != nil {
		return nil, fmt.Errorf("could not migrate database %s: %w", path, err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

// Transaction runs fn against a store bound to a single transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// FindHost returns nil without error when the host is unknown.
func (s *Store) FindHost(ctx context.Context, hostname string) (*MXRecord, error) {
	var host MXRecord

	err := s.db.WithContext(ctx).First(&host, "mx = ?", Canonical(hostname)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not find host %s: %w", hostname, err)
	}

	return &host, nil
}

// InsertHostIfAbsent returns the host row for hostname, creating it when needed.
// The unique index on mx decides who wins a concurrent insert; the loser
// simply reads the winner's row.
func (s *Store) InsertHostIfAbsent(ctx context.Context, hostname string) (*MXRecord, error) {
	name := Canonical(hostname)

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "mx"}}, DoNothing: true}).
		Create(&MXRecord{MX: name}).Error
	if err != nil {
		return nil, fmt.Errorf("could not insert host %s: %w", name, err)
	}

	host, err := s.FindHost(ctx, name)
	if err != nil {
		return nil, err
	}
	if host == nil {
		return nil, fmt.Errorf("could not insert host %s: %w", name, ErrHostNotFound)
	}

	return host, nil
}

// BindDomain attaches a host to a domain. An existing (domain, host) pair is
// left as it is.
func (s *Store) BindDomain(ctx context.Context, domain string, hostID uint, pref int) error {
	name := Canonical(domain)

	d := &Domain{
		Domain: name,
		MXID:   hostID,
		Pref:   pref,
	}

	err := s.db.WithContext(ctx).Omit(clause.Associations).
		FirstOrCreate(d, "domain = ? AND mx = ?", name, hostID).Error
	if err != nil {
		return fmt.Errorf("could not bind %s to host %d: %w", name, hostID, err)
	}

	return nil
}

// BindDomainHosts stores every binding of a domain in one transaction and
// returns the hosts in binding order.
func (s *Store) BindDomainHosts(ctx context.Context, domain string, bindings []Binding) ([]MXRecord, error) {
	hosts := make([]MXRecord, 0, len(bindings))

	err := s.Transaction(ctx, func(tx *Store) error {
		for _, b := range bindings {
			host, err := tx.InsertHostIfAbsent(ctx, b.Host)
			if err != nil {
				return err
			}

			if err := tx.BindDomain(ctx, domain, host.ID, b.Preference); err != nil {
				return err
			}

			hosts = append(hosts, *host)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not add domain %s: %w", domain, err)
	}

	return hosts, nil
}

func (s *Store) DomainExists(ctx context.Context, domain string) (bool, error) {
	var count int64

	err := s.db.WithContext(ctx).Model(&Domain{}).Where("domain = ?", Canonical(domain)).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("could not look up domain %s: %w", domain, err)
	}

	return count > 0, nil
}

// DeleteDomain removes all bindings of a domain. Hosts are kept.
func (s *Store) DeleteDomain(ctx context.Context, domain string) (int64, error) {
	var deleted int64

	err := s.Transaction(ctx, func(tx *Store) error {
		res := tx.db.WithContext(ctx).Where("domain = ?", Canonical(domain)).Delete(&Domain{})
		deleted = res.RowsAffected

		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("could not delete domain %s: %w", domain, err)
	}

	return deleted, nil
}

func (s *Store) ListDistinctDomains(ctx context.Context) ([]string, error) {
	var domains []string

	err := s.db.WithContext(ctx).Model(&Domain{}).Distinct().Order("domain").Pluck("domain", &domains).Error
	if err != nil {
		return nil, fmt.Errorf("could not list domains: %w", err)
	}

	return domains, nil
}

func (s *Store) ListAllHosts(ctx context.Context) ([]string, error) {
	var hosts []string

	err := s.db.WithContext(ctx).Model(&MXRecord{}).Order("id").Pluck("mx", &hosts).Error
	if err != nil {
		return nil, fmt.Errorf("could not list hosts: %w", err)
	}

	return hosts, nil
}

func (s *Store) ListHosts(ctx context.Context) ([]MXRecord, error) {
	var hosts []MXRecord

	if err := s.db.WithContext(ctx).Order("id").Find(&hosts).Error; err != nil {
		return nil, fmt.Errorf("could not list hosts: %w", err)
	}

	return hosts, nil
}

// SaveProbeResult records the outcome of a banner probe. A failed probe keeps
// the last observed banner. changed is true when a previously stored banner
// was replaced by a different one.
func (s *Store) SaveProbeResult(ctx context.Context, hostname, banner string, probeErr error, checkedAt time.Time) (changed bool, err error) {
	host, err := s.FindHost(ctx, hostname)
	if err != nil {
		return false, err
	}
	if host == nil {
		return false, fmt.Errorf("could not save probe result for %s: %w", hostname, ErrHostNotFound)
	}

	host.LastChecked = &checkedAt

	if probeErr != nil {
		host.Status = StatusError
		host.ErrorMessage = probeErr.Error()
	} else {
		changed = host.Banner != nil && *host.Banner != "" && *host.Banner != banner

		host.Banner = &banner
		host.Status = StatusValid
		host.ErrorMessage = ""
	}

	if err := s.db.WithContext(ctx).Save(host).Error; err != nil {
		return false, fmt.Errorf("could not save probe result for %s: %w", hostname, err)
	}

	return changed, nil
}

// PruneOrphanHosts deletes hosts that no domain refers to.
func (s *Store) PruneOrphanHosts(ctx context.Context) (int64, error) {
	var pruned int64

	err := s.Transaction(ctx, func(tx *Store) error {
		referenced := tx.db.Model(&Domain{}).Select("mx")
		res := tx.db.WithContext(ctx).Where("id NOT IN (?)", referenced).Delete(&MXRecord{})
		pruned = res.RowsAffected

		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("could not prune hosts: %w", err)
	}

	return pruned, nil
}

// Canonical lower-cases a DNS name and drops the trailing root dot.
func Canonical(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}
