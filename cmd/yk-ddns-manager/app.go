package main

import (
	"database/sql"
	"fmt"

	"github.com/redis/rueidis"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/auditlog"
	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/config"
	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/database"
	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/dns"
	_ "github.com/yuriy-kovalchuk/yk-ddns-manager/internal/dns/providers"
	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/ipsource"
	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/reconcile"
	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/records"
	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/scheduler"
	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/stats"
)

// app holds the configuration and stores shared by the commands.
type app struct {
	cfg     *config.Config
	db      *sql.DB
	records *records.Store
	audit   *auditlog.Log
	stats   stats.Store
	redis   rueidis.Client
}

func openApp(configPath string) (*app, error) {
	log := ctrl.Log.WithName("setup")

	path := config.Path(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("unable to load config: %w", err)
	}
	log.V(1).Info("loaded config", "path", path)

	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, db: db}

	if a.records, err = records.New(db); err != nil {
		a.Close()
		return nil, err
	}
	if a.audit, err = auditlog.New(db); err != nil {
		a.Close()
		return nil, err
	}

	switch cfg.Stats.Backend {
	case "redis":
		a.redis, err = rueidis.NewClient(rueidis.ClientOption{
			InitAddress: []string{cfg.Stats.RedisAddr},
			Password:    cfg.Stats.RedisPassword,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("unable to connect to redis: %w", err)
		}
		a.stats = stats.NewRedis(a.redis, cfg.Stats.RedisPrefix)
	default:
		if a.stats, err = stats.NewSQLite(db); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func newTarget(pc *config.ProviderConfig) (*reconcile.Target, error) {
	if pc == nil {
		return nil, nil
	}
	p, err := dns.NewProvider(pc.Provider, ctrl.Log.WithName("dns-"+pc.Provider), pc.Settings)
	if err != nil {
		return nil, fmt.Errorf("unable to create DNS provider: %w", err)
	}
	return &reconcile.Target{Name: pc.Provider, Provider: p, Zones: pc.ZoneResolver()}, nil
}

// targets builds the configured providers. A missing block leaves its
// passes unconfigured.
func (a *app) targets() (reconcile.Targets, error) {
	var (
		t   reconcile.Targets
		err error
	)
	if t.Primary, err = newTarget(a.cfg.Primary); err != nil {
		return t, fmt.Errorf("primary: %w", err)
	}
	if t.Internal, err = newTarget(a.cfg.Internal); err != nil {
		return t, fmt.Errorf("internal: %w", err)
	}
	return t, nil
}

func (a *app) ipSource() ipsource.Source {
	pc := a.cfg.PublicIP
	chain := ipsource.Chain{ipsource.NewWeb(pc.URLs)}
	if pc.DNS {
		chain = append(chain, ipsource.NewDNS(pc.DNSServer))
	}
	src := &ipsource.Retry{
		Source:   chain,
		Attempts: pc.Attempts,
		Log:      ctrl.Log.WithName("ipsource"),
	}
	return ipsource.NewCached(src, pc.CacheTTL)
}

func (a *app) engine(observers ...reconcile.Observer) *reconcile.Engine {
	return &reconcile.Engine{
		Log:          ctrl.Log.WithName("reconcile"),
		IPs:          a.ipSource(),
		Audit:        a.audit,
		Stats:        a.stats,
		Observers:    observers,
		Workers:      a.cfg.Workers,
		CycleTimeout: a.cfg.CycleTimeout,
		CallTimeout:  a.cfg.CallTimeout,
	}
}

func (a *app) scheduler(observers ...reconcile.Observer) (*scheduler.Scheduler, error) {
	targets, err := a.targets()
	if err != nil {
		return nil, err
	}
	return &scheduler.Scheduler{
		Engine:    a.engine(observers...),
		Records:   a.records,
		Targets:   targets,
		Defaults:  a.cfg.Defaults(),
		Stats:     a.stats,
		Audit:     a.audit,
		Retention: a.cfg.AuditRetention,
		Log:       ctrl.Log.WithName("scheduler"),
	}, nil
}
